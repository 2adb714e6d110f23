// Package targets reads the target sections players are asked to move their
// markers to and checks the live mapping against them.
package targets

import (
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultFile is where the target sections are kept next to the grid locations.
const DefaultFile = "narrative_elements/target_sections.json"

// Target binds a player's marker to the cell it should reach. A nil
// TargetSection means the player currently has no target.
type Target struct {
	TagNumber     int  `json:"tag_number"`
	TargetSection *int `json:"target_section"`
}

// Set is the content of a targets file keyed by player name.
type Set map[string]Target

// Parse decodes a targets document.
func Parse(data []byte) (Set, error) {
	s := Set{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unable to decode targets")
	}
	return s, nil
}

// Load reads a targets file.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	return Parse(data)
}

// Names returns the player names in ascending order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sections returns the distinct target cells in ascending order.
func (s Set) Sections() []int {
	seen := map[int]bool{}
	var out []int
	for _, t := range s {
		if t.TargetSection == nil || seen[*t.TargetSection] {
			continue
		}
		seen[*t.TargetSection] = true
		out = append(out, *t.TargetSection)
	}
	sort.Ints(out)
	return out
}

// Status is how one player stands against their target. Target and Current are
// 0 when the player has no target or the marker is not on the grid.
type Status struct {
	Name     string `json:"name"`
	MarkerID int    `json:"marker_id"`
	Target   int    `json:"target"`
	Current  int    `json:"current"`
	OnTarget bool   `json:"on_target"`
}

// Evaluate compares the marker to cell assignments with the targets, ordered by
// player name.
func (s Set) Evaluate(assignments map[int]int) []Status {
	out := make([]Status, 0, len(s))
	for _, name := range s.Names() {
		t := s[name]
		st := Status{Name: name, MarkerID: t.TagNumber, Current: assignments[t.TagNumber]}
		if t.TargetSection != nil {
			st.Target = *t.TargetSection
			st.OnTarget = st.Current != 0 && st.Current == st.Target
		}
		out = append(out, st)
	}
	return out
}

// Satisfied reports whether every player with a target is on it. A set with no
// targets is not satisfied.
func (s Set) Satisfied(assignments map[int]int) bool {
	has := false
	for _, st := range s.Evaluate(assignments) {
		if st.Target == 0 {
			continue
		}
		has = true
		if !st.OnTarget {
			return false
		}
	}
	return has
}
