package attachment

import (
	"fmt"

	"github.com/shpitdev/mail-attachment-pipeline/internal/codec"
)

// Message is a parsed inbound email. ID may be empty.
type Message struct {
	ID          string
	Attachments []Attachment
}

// Attachment is one file embedded in a message. A nil Content means the parser
// produced no body for the part; an empty non-nil slice is a zero-length file.
type Attachment struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// HasContent reports whether the attachment carries a body.
func (a Attachment) HasContent() bool {
	return a.Content != nil
}

// Descriptor is the serializable form of an Attachment carried in pipeline payloads.
type Descriptor struct {
	Filename      string  `json:"filename"`
	MIMEType      string  `json:"mimeType"`
	ContentBase64 *string `json:"contentBase64"`
}

// Describe encodes a into its Descriptor.
func Describe(a Attachment) Descriptor {
	d := Descriptor{Filename: a.Filename, MIMEType: a.MIMEType}
	if a.Content != nil {
		enc := codec.Encode(a.Content)
		d.ContentBase64 = &enc
	}
	return d
}

// Decode restores the Attachment described by d.
func (d Descriptor) Decode() (Attachment, error) {
	a := Attachment{Filename: d.Filename, MIMEType: d.MIMEType}
	if d.ContentBase64 == nil {
		return a, nil
	}
	b, err := codec.Decode(*d.ContentBase64)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachment %q: %w", d.Filename, err)
	}
	a.Content = b
	return a, nil
}
