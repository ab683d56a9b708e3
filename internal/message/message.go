// ABOUTME: Message and conversation value types
// ABOUTME: Identity fields are read-only; content changes by replacing the Revision

package message

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/store"
)

// Revision is the mutable part of a message.
type Revision struct {
	content    Content
	modifiedAt *time.Time
}

// Content returns a copy of the revision's fragments.
func (r Revision) Content() Content { return r.content.Clone() }

// ModifiedAt returns when the message was last edited, if ever.
func (r Revision) ModifiedAt() (time.Time, bool) {
	if r.modifiedAt == nil {
		return time.Time{}, false
	}
	return *r.modifiedAt, true
}

// Message is a committed message.
type Message struct {
	id               uuid.UUID
	conversationID   uuid.UUID
	authorID         uuid.UUID
	createdAt        time.Time
	revision         Revision
	tombstoned       bool
	broadcastAckedAt *time.Time
}

func (m Message) ID() uuid.UUID             { return m.id }
func (m Message) ConversationID() uuid.UUID { return m.conversationID }
func (m Message) AuthorID() uuid.UUID       { return m.authorID }
func (m Message) CreatedAt() time.Time      { return m.createdAt }
func (m Message) Revision() Revision        { return m.revision }
func (m Message) Content() Content          { return m.revision.Content() }

// Tombstoned reports whether the message content was cleared.
func (m Message) Tombstoned() bool { return m.tombstoned }

// BroadcastAcked returns when a channel message was first read by any subscriber.
func (m Message) BroadcastAcked() (time.Time, bool) {
	if m.broadcastAckedAt == nil {
		return time.Time{}, false
	}
	return *m.broadcastAckedAt, true
}

func fromRecord(r *store.Message) (Message, error) {
	content, err := decodeContent(r.Content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		id:               r.ID,
		conversationID:   r.ConversationID,
		authorID:         r.AuthorID,
		createdAt:        r.CreatedAt,
		revision:         Revision{content: content, modifiedAt: r.ModifiedAt},
		tombstoned:       r.Tombstoned,
		broadcastAckedAt: r.BroadcastAckedAt,
	}, nil
}

// Kind is the conversation kind, taken from the backing contact.
type Kind = store.ContactKind

// Conversation is a resolved conversation handle.
type Conversation struct {
	id      uuid.UUID
	kind    Kind
	parties [2]uuid.UUID
}

func (c Conversation) ID() uuid.UUID { return c.id }
func (c Conversation) Kind() Kind    { return c.kind }

// Parties returns the two people of a one-to-one conversation.
// It returns nil for groups and channels.
func (c Conversation) Parties() []uuid.UUID {
	if c.kind != store.KindPerson {
		return nil
	}
	return c.parties[:]
}

// Delivery is the tracking state of a message for one recipient.
type Delivery struct {
	RecipientID uuid.UUID
	State       store.DeliveryState
	At          time.Time
}

// RecipientSnapshot supplies the membership of a group or the subscribers
// of a channel at commit time.
type RecipientSnapshot interface {
	Members(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// Members is a fixed RecipientSnapshot.
type Members []uuid.UUID

func (m Members) Members(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return slices.Clone(m), nil
}
