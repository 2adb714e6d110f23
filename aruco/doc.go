// Package aruco detects ArUco markers and reads camera frames with OpenCV.
// It needs gocv and is only built with the withcv build tag.
package aruco

// DefaultDictionary is the predefined marker dictionary printed on the tags.
const DefaultDictionary = "DICT_6X6_250"
