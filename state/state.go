// Package state publishes the marker to grid-cell mapping that external
// consumers read. Every save rewrites the whole mapping.
package state

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Location is the persisted position of one marker.
type Location struct {
	GridSection int `json:"grid_section"`
}

// Mapping is the persisted document, keyed by the marker id as a string.
type Mapping map[string]Location

// FromAssignments converts marker id to cell assignments into a Mapping.
func FromAssignments(assignments map[int]int) Mapping {
	m := make(Mapping, len(assignments))
	for id, cell := range assignments {
		m[strconv.Itoa(id)] = Location{GridSection: cell}
	}
	return m
}

// Assignments converts the mapping back into marker id to cell assignments.
func (m Mapping) Assignments() (map[int]int, error) {
	out := make(map[int]int, len(m))
	for key, loc := range m {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid marker id %q", key)
		}
		out[id] = loc.GridSection
	}
	return out, nil
}

// IDs returns the marker ids in the mapping, sorted numerically where possible.
func (m Mapping) IDs() []string {
	ids := make([]string, 0, len(m))
	for k := range m {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Encode renders the mapping the way it is written to disk.
func (m Mapping) Encode() ([]byte, error) {
	if m == nil {
		m = Mapping{}
	}
	compact, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode grid locations")
	}
	// jsoniter does not indent maps of structs consistently.
	var out bytes.Buffer
	if err := stdjson.Indent(&out, compact, "", "    "); err != nil {
		return nil, errors.Wrap(err, "unable to indent grid locations")
	}
	return out.Bytes(), nil
}

// Decode parses a persisted mapping.
func Decode(data []byte) (Mapping, error) {
	m := Mapping{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unable to decode grid locations")
	}
	return m, nil
}

// Store is a destination for the mapping. Save replaces whatever was stored before.
type Store interface {
	Save(ctx context.Context, m Mapping) error
	Close() error
}

type multiStore []Store

// Multi fans a save out to every store. Errors from individual stores are
// combined; a failing store does not prevent the others from being written.
func Multi(stores ...Store) Store {
	out := make(multiStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (ms multiStore) Save(ctx context.Context, m Mapping) error {
	var err error
	for _, s := range ms {
		err = multierr.Append(err, s.Save(ctx, m))
	}
	return err
}

func (ms multiStore) Close() error {
	var err error
	for _, s := range ms {
		err = multierr.Append(err, s.Close())
	}
	return err
}
