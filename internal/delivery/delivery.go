// ABOUTME: Delivery state machine for per-recipient message tracking
// ABOUTME: Decides which state changes are legal; the message store applies them

package delivery

import (
	"errors"
	"fmt"

	"github.com/2389/coven-postbox/internal/store"
)

// ErrIllegalTransition is returned when a state change would move a delivery
// record backwards, sideways, or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal delivery transition")

// forward is the position of each non-failure state along the delivery chain.
var forward = map[store.DeliveryState]int{
	store.StateComposed:   0,
	store.StateDispatched: 1,
	store.StateDelivered:  2,
	store.StateRead:       3,
}

// Terminal reports whether no transition may leave s.
func Terminal(s store.DeliveryState) bool {
	return s == store.StateRead || s == store.StateFailed
}

// CanTransition reports whether a record in state from may move to state to.
//
// Legal moves go forward along composed, dispatched, delivered, read, possibly
// skipping states (a delivery ack can arrive before the dispatch ack). Failure
// is reachable from composed and dispatched only. Repeating the current state
// is not a move.
func CanTransition(from, to store.DeliveryState) bool {
	if !from.Valid() || !to.Valid() || Terminal(from) {
		return false
	}
	if to == store.StateFailed {
		return from == store.StateComposed || from == store.StateDispatched
	}
	return forward[to] > forward[from]
}

// Check returns ErrIllegalTransition, annotated with both states, when the
// move from from to to is not allowed.
func Check(from, to store.DeliveryState) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Collapse returns the state a channel subscriber's record is stored in when
// to is requested. Channel reads are tracked once per message, so a per-recipient
// record never advances past delivered.
func Collapse(from, to store.DeliveryState) store.DeliveryState {
	if to != store.StateRead {
		return to
	}
	if forward[from] >= forward[store.StateDelivered] {
		return from
	}
	return store.StateDelivered
}
