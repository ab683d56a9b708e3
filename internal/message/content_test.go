package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-postbox/internal/ident"
)

func TestContent_EncodeDecode(t *testing.T) {
	d := ident.Sum([]byte("file"))
	in := Content{
		Text("plain"),
		Formatted("<p>rich</p>"),
		Attachment(AttachmentRef{Digest: d, Name: "file", Size: 4}),
	}

	data, err := encodeContent(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), d.String(), "digests are stored as hex")

	out, err := decodeContent(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestContent_DecodeEmpty(t *testing.T) {
	c, err := decodeContent(nil)
	require.NoError(t, err)
	assert.Empty(t, c)

	_, err = decodeContent([]byte("{not json"))
	assert.Error(t, err)
}

func TestContent_Validate(t *testing.T) {
	assert.NoError(t, Content{Text("a")}.Validate())
	assert.Error(t, Content{{Kind: FragmentAttachment}}.Validate())
	assert.Error(t, Content{{Kind: FragmentText, Attachment: &AttachmentRef{}}}.Validate())
	assert.Error(t, Content{{Kind: "video"}}.Validate())
}

func TestContent_CloneIsDeep(t *testing.T) {
	orig := Content{Attachment(AttachmentRef{Digest: ident.Sum([]byte("x")), Name: "x"})}
	cp := orig.Clone()
	cp[0].Attachment.Name = "changed"
	assert.Equal(t, "x", orig[0].Attachment.Name)
	assert.Nil(t, Content(nil).Clone())
}
