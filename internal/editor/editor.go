// ABOUTME: Scratch-space builder for one in-progress message
// ABOUTME: Accumulates text, HTML, and attachment fragments and hands them to the message service

package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-postbox/internal/filecache"
	"github.com/2389/coven-postbox/internal/ident"
	"github.com/2389/coven-postbox/internal/message"
	"github.com/2389/coven-postbox/internal/notify"
)

// ErrAttachmentFailure is returned when a file cannot be attached
var ErrAttachmentFailure = errors.New("attachment failure")

// Committer persists finished content. *message.Service implements it.
type Committer interface {
	Commit(ctx context.Context, conversationID, authorID uuid.UUID, content message.Content, snapshot message.RecipientSnapshot) (uuid.UUID, error)
}

// Editor builds the content of one message. It is not safe for concurrent use.
//
// Every attached file holds a cache reference from the moment it is attached.
// A successful Commit hands those references to the message; Clear gives
// them back to the cache.
type Editor struct {
	cache     *filecache.Cache
	markdown  goldmark.Markdown
	reporter  notify.Reporter
	logger    *slog.Logger
	fragments message.Content
	held      []ident.Digest
}

// Option configures an Editor.
type Option func(*Editor)

// WithReporter sets where attachment failures are reported.
func WithReporter(r notify.Reporter) Option {
	return func(e *Editor) { e.reporter = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Editor) { e.logger = logger }
}

// WithMarkdown replaces the markdown renderer used by AddMarkdown.
func WithMarkdown(md goldmark.Markdown) Option {
	return func(e *Editor) { e.markdown = md }
}

// New creates an empty editor that stores attachments in cache.
func New(cache *filecache.Cache, opts ...Option) *Editor {
	e := &Editor{
		cache:    cache,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "editor")
	return e
}

// AddText appends a plain-text fragment.
func (e *Editor) AddText(s string) {
	e.fragments = append(e.fragments, message.Text(s))
}

// AddFormattedText appends an HTML fragment.
func (e *Editor) AddFormattedText(html string) {
	e.fragments = append(e.fragments, message.Formatted(html))
}

// AddMarkdown renders src to HTML and appends it as a formatted fragment.
func (e *Editor) AddMarkdown(src string) error {
	var buf bytes.Buffer
	if err := e.markdown.Convert([]byte(src), &buf); err != nil {
		return fmt.Errorf("rendering markdown: %w", err)
	}
	e.AddFormattedText(buf.String())
	return nil
}

// Attach reads the file at path into the cache and appends a fragment
// referencing it. Missing, non-regular, or unreadable files and cache
// failures return ErrAttachmentFailure and leave the content unchanged.
func (e *Editor) Attach(ctx context.Context, path string) error {
	ref, err := e.store(ctx, path)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAttachmentFailure, err)
		if e.reporter != nil {
			e.reporter.Report(notify.SourceAttachment, err)
		}
		e.logger.Warn("attach failed", "path", path, "error", err)
		return err
	}

	e.fragments = append(e.fragments, message.Attachment(ref))
	e.held = append(e.held, ref.Digest)
	e.logger.Debug("file attached", "path", path, "digest", ref.Digest.String(), "size", ref.Size)
	return nil
}

func (e *Editor) store(ctx context.Context, path string) (message.AttachmentRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return message.AttachmentRef{}, err
	}
	if !info.Mode().IsRegular() {
		return message.AttachmentRef{}, fmt.Errorf("%s is not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return message.AttachmentRef{}, err
	}

	name := filepath.Base(path)
	digest, err := e.cache.Put(ctx, name, data)
	if err != nil {
		return message.AttachmentRef{}, err
	}
	return message.AttachmentRef{Digest: digest, Name: name, Size: int64(len(data))}, nil
}

// Content returns a copy of the accumulated fragments.
func (e *Editor) Content() message.Content {
	return e.fragments.Clone()
}

// Len returns the number of fragments.
func (e *Editor) Len() int {
	return len(e.fragments)
}

// Clear discards the content and releases the cache references of its
// attachments. References that cannot be released are reported and skipped.
func (e *Editor) Clear(ctx context.Context) error {
	var errs []error
	for _, digest := range e.held {
		if err := e.cache.Detach(ctx, digest); err != nil {
			errs = append(errs, err)
		}
	}
	e.reset()

	if err := errors.Join(errs...); err != nil {
		if e.reporter != nil {
			e.reporter.Report(notify.SourceAttachment, err)
		}
		return fmt.Errorf("releasing attachments: %w", err)
	}
	return nil
}

// Commit hands the content to c. On success the editor is empty and the
// message owns the attachment references; on failure nothing changes.
func (e *Editor) Commit(ctx context.Context, c Committer, conversationID, authorID uuid.UUID, snapshot message.RecipientSnapshot) (uuid.UUID, error) {
	id, err := c.Commit(ctx, conversationID, authorID, e.Content(), snapshot)
	if err != nil {
		return uuid.Nil, err
	}
	e.reset()
	return id, nil
}

func (e *Editor) reset() {
	e.fragments = nil
	e.held = nil
}
