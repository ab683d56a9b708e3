// ABOUTME: Message content model: an ordered list of text, formatted, and attachment fragments
// ABOUTME: Encoded as JSON for storage; the backend treats the encoding as opaque bytes

package message

import (
	"encoding/json"
	"fmt"

	"github.com/2389/coven-postbox/internal/ident"
)

// FragmentKind identifies the type of a content fragment.
type FragmentKind string

const (
	FragmentText       FragmentKind = "text"
	FragmentFormatted  FragmentKind = "formatted"
	FragmentAttachment FragmentKind = "attachment"
)

// AttachmentRef points at a cached file.
type AttachmentRef struct {
	Digest ident.Digest `json:"digest"`
	Name   string       `json:"name"`
	Size   int64        `json:"size"`
}

// Fragment is one piece of message content. Text holds plain text or HTML
// depending on Kind; Attachment is set only for attachment fragments.
type Fragment struct {
	Kind       FragmentKind   `json:"kind"`
	Text       string         `json:"text,omitempty"`
	Attachment *AttachmentRef `json:"attachment,omitempty"`
}

// Text returns a plain-text fragment.
func Text(s string) Fragment {
	return Fragment{Kind: FragmentText, Text: s}
}

// Formatted returns a formatted-text (HTML) fragment.
func Formatted(html string) Fragment {
	return Fragment{Kind: FragmentFormatted, Text: html}
}

// Attachment returns a fragment referencing a cached file.
func Attachment(ref AttachmentRef) Fragment {
	return Fragment{Kind: FragmentAttachment, Attachment: &ref}
}

// Content is the ordered fragment list of a message.
type Content []Fragment

// Clone returns a deep copy of c.
func (c Content) Clone() Content {
	if c == nil {
		return nil
	}
	out := make(Content, len(c))
	for i, f := range c {
		out[i] = f
		if f.Attachment != nil {
			ref := *f.Attachment
			out[i].Attachment = &ref
		}
	}
	return out
}

// Attachments returns the digest of every attachment fragment in order,
// one entry per fragment.
func (c Content) Attachments() []ident.Digest {
	var digests []ident.Digest
	for _, f := range c {
		if f.Kind == FragmentAttachment && f.Attachment != nil {
			digests = append(digests, f.Attachment.Digest)
		}
	}
	return digests
}

// Validate checks that every fragment is well formed.
func (c Content) Validate() error {
	for i, f := range c {
		switch f.Kind {
		case FragmentText, FragmentFormatted:
			if f.Attachment != nil {
				return fmt.Errorf("fragment %d: %s fragment carries an attachment", i, f.Kind)
			}
		case FragmentAttachment:
			if f.Attachment == nil || f.Attachment.Digest.IsZero() {
				return fmt.Errorf("fragment %d: attachment fragment without digest", i)
			}
		default:
			return fmt.Errorf("fragment %d: unknown kind %q", i, f.Kind)
		}
	}
	return nil
}

func encodeContent(c Content) ([]byte, error) {
	if c == nil {
		c = Content{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	return data, nil
}

func decodeContent(data []byte) (Content, error) {
	if len(data) == 0 {
		return Content{}, nil
	}
	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	return c, nil
}
