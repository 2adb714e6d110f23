// Package tracker implements the grid tracker as a Viam vision service.
// This file contains methods that handle the label (or name) of a detection.
// Incoming labels carry a marker id ("17", "aruco_17", "marker-17").
// Outgoing labels are of the format marker_ID_cell_N.
package tracker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"
)

// GetTimestamp will retrieve and format a timestamp to be YYYYMMDD_HHMMSS
func GetTimestamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// MarkerIDFromLabel extracts the marker id from a detector label. The id is the
// trailing run of digits; anything before it must end in a separator.
func MarkerIDFromLabel(label string) (int, bool) {
	label = strings.TrimSpace(label)
	end := len(label)
	start := strings.LastIndexFunc(label, func(r rune) bool { return !unicode.IsDigit(r) }) + 1
	if start == end {
		return 0, false
	}
	if start > 0 {
		switch label[start-1] {
		case '_', '-', ' ', ':', '#':
		default:
			return 0, false
		}
	}
	id, err := strconv.Atoi(label[start:end])
	if err != nil {
		return 0, false
	}
	return id, true
}

// baseLabel returns the lower case class name before the marker id, or the
// whole label if it has no id. A bare id such as "17" has no class name.
func baseLabel(label string) string {
	fields := strings.FieldsFunc(label, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == ':' || r == '#'
	})
	if len(fields) == 0 {
		return ""
	}
	if strings.IndexFunc(fields[0], func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// markerLabel names a tracked marker in the service's detections.
func markerLabel(id, cell int) string {
	return fmt.Sprintf("marker_%d_cell_%d", id, cell)
}

// ParseMarkerLabel reads the marker id and cell from a detection label
// produced by the service.
func ParseMarkerLabel(label string) (id, cell int, err error) {
	parts := strings.Split(label, "_")
	if len(parts) != 4 || parts[0] != "marker" || parts[2] != "cell" {
		return 0, 0, errors.Errorf("unable to parse label %v", label)
	}
	if id, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, errors.Wrapf(err, "unable to parse label %v", label)
	}
	if cell, err = strconv.Atoi(parts[3]); err != nil {
		return 0, 0, errors.Wrapf(err, "unable to parse label %v", label)
	}
	return id, cell, nil
}

// cellChange is one entry of the change log returned by DoCommand.
type cellChange struct {
	MarkerID int
	From     int
	To       int
	Time     string
}

func newCellChange(ev ChangeEvent) cellChange {
	return cellChange{
		MarkerID: ev.MarkerID,
		From:     ev.From,
		To:       ev.To,
		Time:     GetTimestamp(ev.At),
	}
}
