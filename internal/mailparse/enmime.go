package mailparse

import (
	"bytes"
	"fmt"

	"github.com/jhillyerd/enmime"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
)

// Enmime parses messages with github.com/jhillyerd/enmime.
type Enmime struct{}

func (Enmime) Parse(raw []byte) (attachment.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return attachment.Message{}, fmt.Errorf("parse MIME message: %w", err)
	}

	msg := attachment.Message{ID: NormalizeMessageID(env.GetHeader("Message-ID"))}
	for _, group := range [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts} {
		for _, p := range group {
			if p == nil {
				continue
			}
			// A zero-length part is present but empty, never absent.
			content := p.Content
			if content == nil {
				content = []byte{}
			}
			msg.Attachments = append(msg.Attachments, attachment.Attachment{
				Filename: p.FileName,
				MIMEType: p.ContentType,
				Content:  content,
			})
		}
	}
	return msg, nil
}
