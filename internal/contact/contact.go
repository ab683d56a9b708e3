// ABOUTME: Contact directory for person, group, and channel identities
// ABOUTME: Contacts are immutable values; the directory only adds, looks up, counts, and iterates

package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/store"
)

// Kind is the contact kind. It is fixed when the contact is created.
type Kind = store.ContactKind

const (
	Person  = store.KindPerson
	Group   = store.KindGroup
	Channel = store.KindChannel
)

// Contact is an identity. Its fields have no setters.
type Contact struct {
	id          uuid.UUID
	kind        Kind
	displayName string
	alias       string
	createdAt   time.Time
}

// New builds a contact with a fresh time-ordered id.
func New(kind Kind, displayName, alias string) Contact {
	return Contact{
		id:          ident.NewID(),
		kind:        kind,
		displayName: displayName,
		alias:       alias,
		createdAt:   time.Now().UTC(),
	}
}

func (c Contact) ID() uuid.UUID        { return c.id }
func (c Contact) Kind() Kind           { return c.kind }
func (c Contact) DisplayName() string  { return c.displayName }
func (c Contact) Alias() string        { return c.alias }
func (c Contact) CreatedAt() time.Time { return c.createdAt }

func (c Contact) record() *store.Contact {
	return &store.Contact{
		ID:          c.id,
		Kind:        c.kind,
		DisplayName: c.displayName,
		Alias:       c.alias,
		CreatedAt:   c.createdAt,
	}
}

// FromRecord converts a stored row into a Contact.
func FromRecord(r *store.Contact) Contact {
	return Contact{
		id:          r.ID,
		kind:        r.Kind,
		displayName: r.DisplayName,
		alias:       r.Alias,
		createdAt:   r.CreatedAt,
	}
}

// Directory stores contacts in a backend.
type Directory struct {
	backend store.Backend
	logger  *slog.Logger
}

// NewDirectory creates a directory over backend. Pass nil logger for default.
func NewDirectory(backend store.Backend, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		backend: backend,
		logger:  logger.With("component", "contact"),
	}
}

// Add stores c. Returns store.ErrDuplicateID if its id is already taken.
func (d *Directory) Add(ctx context.Context, c Contact) error {
	if c.id == uuid.Nil {
		return fmt.Errorf("contact id is required")
	}
	if !c.kind.Valid() {
		return fmt.Errorf("invalid contact kind %d", uint8(c.kind))
	}

	tx, err := d.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("adding contact: %w", err)
	}
	defer tx.Rollback()

	if err := tx.InsertContact(ctx, c.record()); err != nil {
		return fmt.Errorf("adding contact %s: %w", c.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("adding contact %s: %w", c.id, err)
	}

	d.logger.Debug("contact added", "id", c.id, "kind", c.kind.String())
	return nil
}

// Get returns the contact with id. The bool is false when no such contact exists.
func (d *Directory) Get(ctx context.Context, id uuid.UUID) (Contact, bool, error) {
	tx, err := d.backend.Begin(ctx)
	if err != nil {
		return Contact{}, false, fmt.Errorf("getting contact: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.GetContact(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, fmt.Errorf("getting contact %s: %w", id, err)
	}
	return FromRecord(r), true, tx.Commit()
}

// Count returns the number of contacts, optionally only those of kind.
func (d *Directory) Count(ctx context.Context, kind *Kind) (int, error) {
	tx, err := d.backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting contacts: %w", err)
	}
	defer tx.Rollback()

	n, err := tx.CountContacts(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("counting contacts: %w", err)
	}
	return n, tx.Commit()
}

// ForEach calls fn for every contact in insertion order.
func (d *Directory) ForEach(ctx context.Context, fn func(Contact)) error {
	return d.ForEachUntil(ctx, func(c Contact) bool {
		fn(c)
		return true
	})
}

// ForEachUntil calls fn for contacts in insertion order and stops at the
// first false. The contacts are read in one transaction and fn runs after it
// ends, so fn may call back into the directory.
func (d *Directory) ForEachUntil(ctx context.Context, fn func(Contact) bool) error {
	tx, err := d.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("iterating contacts: %w", err)
	}
	defer tx.Rollback()

	var contacts []Contact
	err = tx.ForEachContact(ctx, func(r *store.Contact) bool {
		contacts = append(contacts, FromRecord(r))
		return true
	})
	if err != nil {
		return fmt.Errorf("iterating contacts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("iterating contacts: %w", err)
	}

	for _, c := range contacts {
		if !fn(c) {
			return nil
		}
	}
	return nil
}
