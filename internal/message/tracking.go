// ABOUTME: Delivery tracking on committed messages
// ABOUTME: Applies transport acknowledgments through the delivery state machine

package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/delivery"
	"github.com/2389/coven-postbox/internal/store"
)

// Transition moves the delivery record of (messageID, recipientID) to state.
// Illegal moves fail with delivery.ErrIllegalTransition and change nothing.
//
// In channels a read is not tracked per subscriber: the record advances no
// further than delivered and the message's broadcast acknowledgment is set
// the first time any subscriber reads it. A read that changes neither is
// accepted without being counted as a transition.
func (s *Service) Transition(ctx context.Context, messageID, recipientID uuid.UUID, state store.DeliveryState) error {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transitioning delivery: %w", err)
	}
	defer tx.Rollback()

	d, err := tx.GetDelivery(ctx, messageID, recipientID)
	if err != nil {
		return fmt.Errorf("delivery of %s to %s: %w", messageID, recipientID, err)
	}
	if err := delivery.Check(d.State, state); err != nil {
		s.metrics.IllegalTransition()
		s.logger.Debug("rejected delivery transition",
			"message_id", messageID,
			"recipient_id", recipientID,
			"from", d.State.String(),
			"to", state.String())
		return err
	}

	now := s.now().UTC()
	target := state
	if state == store.StateRead {
		channel, err := isChannel(ctx, tx, d.ConversationID)
		if err != nil {
			return err
		}
		if channel {
			target = delivery.Collapse(d.State, state)
			stamped, err := s.acknowledgeBroadcast(ctx, tx, messageID)
			if err != nil {
				return s.abort("transition", err)
			}
			if !stamped && target == d.State {
				// Nothing to record: the record already sits at delivered
				// and the broadcast was acknowledged earlier.
				s.logger.Debug("repeated channel read acknowledgment",
					"message_id", messageID,
					"recipient_id", recipientID)
				return nil
			}
		}
	}

	if target != d.State {
		d.State = target
		d.StateAt = now
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return s.abort("transition", fmt.Errorf("updating delivery: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return s.abort("transition", fmt.Errorf("transitioning delivery: %w", err))
	}

	s.metrics.Transition(state.String())
	s.logger.Debug("delivery transitioned",
		"message_id", messageID,
		"recipient_id", recipientID,
		"state", target.String())
	return nil
}

func isChannel(ctx context.Context, tx store.Tx, conversationID uuid.UUID) (bool, error) {
	c, err := tx.GetContact(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading conversation kind: %w", err)
	}
	return c.Kind == store.KindChannel, nil
}

// acknowledgeBroadcast stamps the message's broadcast acknowledgment once
// and reports whether this call set it.
func (s *Service) acknowledgeBroadcast(ctx context.Context, tx store.Tx, messageID uuid.UUID) (bool, error) {
	m, err := tx.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("reading message %s: %w", messageID, err)
	}
	if m.BroadcastAckedAt != nil {
		return false, nil
	}
	now := s.now().UTC()
	m.BroadcastAckedAt = &now
	if err := tx.UpdateMessage(ctx, m); err != nil {
		return false, fmt.Errorf("acknowledging broadcast: %w", err)
	}
	return true, nil
}

// Deliveries returns the delivery records of a message in recipient order.
func (s *Service) Deliveries(ctx context.Context, messageID uuid.UUID) ([]Delivery, error) {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.ListDeliveries(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries of %s: %w", messageID, err)
	}
	out := make([]Delivery, 0, len(rows))
	for _, r := range rows {
		out = append(out, Delivery{RecipientID: r.RecipientID, State: r.State, At: r.StateAt})
	}
	return out, tx.Commit()
}
