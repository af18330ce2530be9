// Package clock implements a per-device vector clock for causal ordering
// of messages across the devices of one logical user.
//
// Each device increments only its own counter (Tick); on receipt of remote
// state the clocks are combined element-wise (Merge). Compare classifies
// two clocks as Before, After, Equal, or Concurrent, which is the basis
// for all conflict detection in this module.
//
// Clock values are immutable: Tick and Merge return new clocks and never
// modify their receivers. Callers that share a clock across goroutines
// therefore need no locking as long as they treat values as read-only.
package clock

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Before means every counter of a is <= the counter in b and at
	// least one is strictly less: a causally precedes b.
	Before Ordering = iota
	// After means b causally precedes a.
	After
	// Equal means both clocks hold identical counters.
	Equal
	// Concurrent means neither clock precedes the other.
	Concurrent
)

// String returns a human-readable name for the ordering.
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// ErrEmptyDeviceID is returned by Tick when given an empty device id.
var ErrEmptyDeviceID = errors.New("device id cannot be empty")

// Clock maps device ids to monotonically non-decreasing counters.
// Devices absent from the map are read as counter 0.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Clone returns an independent copy of the clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for id, n := range c {
		out[id] = n
	}
	return out
}

// Counter returns the counter for deviceID, 0 if absent.
func (c Clock) Counter(deviceID string) uint64 {
	return c[deviceID]
}

// Tick returns a new clock with deviceID's counter incremented by one.
// All other entries are unchanged. The receiver is not modified.
func (c Clock) Tick(deviceID string) (Clock, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	out := c.Clone()
	out[deviceID]++
	return out, nil
}

// Merge returns the element-wise maximum of a and b over the union of
// their keys. Merge is pure, commutative, and idempotent.
func Merge(a, b Clock) Clock {
	out := a.Clone()
	for id, n := range b {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Compare classifies a relative to b. Missing entries are treated as 0,
// so Compare never fails for well-formed clocks.
func Compare(a, b Clock) Ordering {
	aLess := false // some counter of a is strictly below b's
	bLess := false
	for id, an := range a {
		bn := b[id]
		if an < bn {
			aLess = true
		} else if an > bn {
			bLess = true
		}
	}
	for id, bn := range b {
		if _, seen := a[id]; seen {
			continue
		}
		if bn > 0 {
			aLess = true
		}
	}
	switch {
	case aLess && bLess:
		return Concurrent
	case aLess:
		return Before
	case bLess:
		return After
	default:
		return Equal
	}
}

// Equals reports whether c and other hold identical counters, ignoring
// explicit zero entries.
func (c Clock) Equals(other Clock) bool {
	return Compare(c, other) == Equal
}

// MarshalJSON encodes the clock as a plain counter map.
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]uint64(c))
}

// UnmarshalJSON decodes a counter map into the clock.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		m = map[string]uint64{}
	}
	*c = Clock(m)
	return nil
}
