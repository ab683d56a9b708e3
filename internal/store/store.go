// ABOUTME: Backend interface and record types for postbox persistence
// ABOUTME: Defines Contact, Message, Delivery, CachedFile rows and the transactional Tx contract

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/ident"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting a row whose primary key already exists
var ErrDuplicateID = errors.New("duplicate id")

// ErrUnavailable is returned when the backend has been closed
var ErrUnavailable = errors.New("store unavailable")

// ErrIO is returned when the underlying medium rejects a read or write
var ErrIO = errors.New("io failure")

// ErrBusy is returned when the durable backend could not obtain its lock in time
var ErrBusy = errors.New("store busy")

// ErrBadPattern is returned by RemoveMatching for patterns outside the message table namespace
var ErrBadPattern = errors.New("pattern must address message tables")

// ContactKind distinguishes people from groups and channels.
// Stored as a small integer.
type ContactKind uint8

const (
	KindPerson  ContactKind = 0
	KindGroup   ContactKind = 1
	KindChannel ContactKind = 2
)

var contactKindNames = map[ContactKind]string{
	KindPerson:  "person",
	KindGroup:   "group",
	KindChannel: "channel",
}

func (k ContactKind) String() string {
	if name, ok := contactKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the known kinds.
func (k ContactKind) Valid() bool {
	_, ok := contactKindNames[k]
	return ok
}

// ParseContactKind maps a symbolic name back to its kind.
func ParseContactKind(s string) (ContactKind, error) {
	for k, name := range contactKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown contact kind %q", s)
}

// DeliveryState is the transit state of one message for one recipient.
// Stored as a small integer; the numeric order matches the forward order.
type DeliveryState uint8

const (
	StateComposed   DeliveryState = 0
	StateDispatched DeliveryState = 1
	StateDelivered  DeliveryState = 2
	StateRead       DeliveryState = 3
	StateFailed     DeliveryState = 4
)

var deliveryStateNames = map[DeliveryState]string{
	StateComposed:   "composed",
	StateDispatched: "dispatched",
	StateDelivered:  "delivered",
	StateRead:       "read",
	StateFailed:     "failed",
}

func (s DeliveryState) String() string {
	if name, ok := deliveryStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool {
	_, ok := deliveryStateNames[s]
	return ok
}

// ParseDeliveryState maps a symbolic name back to its state.
func ParseDeliveryState(name string) (DeliveryState, error) {
	for s, n := range deliveryStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery state %q", name)
}

// Contact is a person, group, or channel identity
type Contact struct {
	ID          uuid.UUID
	Kind        ContactKind
	DisplayName string
	Alias       string
	CreatedAt   time.Time
}

// DirectConversation registers the one-to-one conversation between two people
type DirectConversation struct {
	ID        uuid.UUID // ident.PairID(PersonA, PersonB)
	PersonA   uuid.UUID
	PersonB   uuid.UUID
	CreatedAt time.Time
}

// Message is one row of a conversation's message log.
// Content is the encoded fragment list; the store treats it as opaque.
type Message struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	AuthorID         uuid.UUID
	CreatedAt        time.Time
	ModifiedAt       *time.Time
	Content          []byte
	Tombstoned       bool
	BroadcastAckedAt *time.Time // channel messages only
}

// Delivery tracks one message for one recipient
type Delivery struct {
	MessageID      uuid.UUID
	RecipientID    uuid.UUID
	ConversationID uuid.UUID
	State          DeliveryState
	StateAt        time.Time
}

// CachedFile is a content-addressed attachment blob
type CachedFile struct {
	Digest    ident.Digest
	Name      string
	Size      int64
	Data      []byte
	RefCount  int64
	CreatedAt time.Time
	ZeroSince *time.Time // set while RefCount is zero
}

// Cursor positions a message listing. Rows strictly after (CreatedAt, ID) are returned.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// After reports whether a message sorts strictly after the cursor.
func (c Cursor) After(m *Message) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.After(c.CreatedAt)
	}
	return bytes.Compare(m.ID[:], c.ID[:]) > 0
}

// messageTablePrefix names every per-conversation message table.
const messageTablePrefix = "messages_"

// AllMessageTables is the RemoveMatching pattern covering every conversation.
const AllMessageTables = messageTablePrefix + "*"

// MessageTable returns the name of the table holding a conversation's messages.
func MessageTable(conversationID uuid.UUID) string {
	return messageTablePrefix + strings.ReplaceAll(conversationID.String(), "-", "")
}

// validatePattern checks a RemoveMatching pattern before it reaches a backend.
func validatePattern(pattern string) error {
	if !strings.HasPrefix(pattern, messageTablePrefix) {
		return fmt.Errorf("%w: %q", ErrBadPattern, pattern)
	}
	if _, err := path.Match(pattern, messageTablePrefix); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return nil
}

// Backend is the storage capability shared by the contact directory,
// message store, and file cache. Every multi-row mutation happens inside a Tx.
type Backend interface {
	// Begin starts a transaction. Returns ErrUnavailable once the backend is closed.
	Begin(ctx context.Context) (Tx, error)

	// Close releases any resources held by the backend
	Close() error
}

// Tx is one all-or-nothing unit of work. Rollback after Commit is a no-op,
// so callers may always defer Rollback.
type Tx interface {
	Commit() error
	Rollback() error

	// Contacts
	InsertContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id uuid.UUID) (*Contact, error)
	CountContacts(ctx context.Context, kind *ContactKind) (int, error)
	// ForEachContact visits contacts in insertion order, not id order.
	ForEachContact(ctx context.Context, fn func(*Contact) bool) error

	// Direct conversations
	PutDirectConversation(ctx context.Context, dc *DirectConversation) (*DirectConversation, error)
	GetDirectConversation(ctx context.Context, id uuid.UUID) (*DirectConversation, error)

	// Messages
	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateMessage(ctx context.Context, m *Message) error
	LatestMessage(ctx context.Context, conversationID uuid.UUID) (*Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, after Cursor, limit int) ([]*Message, error)
	MessagesMatching(ctx context.Context, pattern string) ([]*Message, error)

	// Delivery records
	InsertDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, messageID, recipientID uuid.UUID) (*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, messageID uuid.UUID) ([]*Delivery, error)

	// Cached files
	PutFile(ctx context.Context, f *CachedFile) (refCount int64, created bool, err error)
	AdjustFileRefs(ctx context.Context, digest ident.Digest, delta int64, now time.Time) (int64, error)
	GetFile(ctx context.Context, digest ident.Digest) (*CachedFile, error)
	RemoveStaleFiles(ctx context.Context, zeroBefore time.Time) (int, error)

	// RemoveMatching deletes every message table whose name matches the glob
	// pattern, together with the delivery records of those messages.
	// Returns the number of message rows removed.
	RemoveMatching(ctx context.Context, pattern string) (int, error)
}
