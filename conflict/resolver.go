// Package conflict orders sets of concurrently-edited messages so that
// every device, resolving independently, displays the same order.
//
// The ordering rules follow the usual logical-clock total order: causal
// order where the clocks decide, then a deterministic tiebreak chosen by
// the configured strategy. Determinism is the load-bearing property here;
// two devices must never disagree on the resolved order.
package conflict

import (
	"errors"
	"sort"

	"github.com/opd-ai/relaymsg/clock"
	"github.com/opd-ai/relaymsg/protocol"
)

// Strategy selects the tiebreak applied to concurrent messages.
type Strategy uint8

const (
	// ClockOrder breaks ties between concurrent clocks by sender device
	// id, lexicographically. The default.
	ClockOrder Strategy = iota
	// LatestTimestamp breaks ties by wall-clock timestamp, then device
	// id. Wall clocks are advisory; this strategy trades causal purity
	// for "newest wins" presentation.
	LatestTimestamp
	// Manual leaves concurrent sets unordered and marks the messages
	// conflicted, deferring resolution to the caller.
	Manual
)

// ErrUnknownStrategy is returned by ParseStrategy for unrecognized names.
var ErrUnknownStrategy = errors.New("unknown conflict strategy")

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "clock-order", "vector_clock":
		return ClockOrder, nil
	case "latest-timestamp", "latest":
		return LatestTimestamp, nil
	case "manual":
		return Manual, nil
	default:
		return ClockOrder, ErrUnknownStrategy
	}
}

// String returns the canonical configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case LatestTimestamp:
		return "latest-timestamp"
	case Manual:
		return "manual"
	default:
		return "clock-order"
	}
}

// Resolver orders messages. The strategy is fixed at construction and
// immutable for the resolver's lifetime; a sync session keeps exactly
// one resolver.
type Resolver struct {
	strategy Strategy
}

// NewResolver creates a resolver with the given strategy.
func NewResolver(strategy Strategy) *Resolver {
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve produces a total display order for msgs. The input is not
// modified. The second return is true when the set contained at least
// one concurrent pair; under the Manual strategy those messages are
// returned in input order with StatusConflicted set instead of being
// ordered.
func (r *Resolver) Resolve(msgs []protocol.Message) ([]protocol.Message, bool) {
	out := make([]protocol.Message, len(msgs))
	copy(out, msgs)
	if len(out) < 2 {
		return out, false
	}

	hasConcurrent := false
	for i := 0; i < len(out) && !hasConcurrent; i++ {
		for j := i + 1; j < len(out); j++ {
			if clock.Compare(out[i].Clock, out[j].Clock) == clock.Concurrent {
				hasConcurrent = true
				break
			}
		}
	}

	if hasConcurrent && r.strategy == Manual {
		for i := range out {
			out[i].Status = protocol.StatusConflicted
		}
		return out, true
	}

	sort.Slice(out, func(i, j int) bool {
		return r.less(out[i], out[j])
	})
	return out, hasConcurrent
}

// less is the total order used for display. Comparing pairwise causal
// relations directly is not transitive over mixed concurrent sets, so
// the primary key is the sum of clock counters: if a causally precedes
// b, a's sum is strictly smaller, and the sum is identical on every
// device. Ties fall through to the strategy tiebreak, then sender id,
// then message id, which keeps the order total and input-order
// independent.
func (r *Resolver) less(a, b protocol.Message) bool {
	as, bs := counterSum(a.Clock), counterSum(b.Clock)
	if as != bs {
		return as < bs
	}
	if r.strategy == LatestTimestamp && !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Sender != b.Sender {
		return a.Sender < b.Sender
	}
	return a.ID.String() < b.ID.String()
}

func counterSum(c clock.Clock) uint64 {
	var sum uint64
	for _, n := range c {
		sum += n
	}
	return sum
}
