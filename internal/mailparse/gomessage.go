package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
)

// GoMessage parses messages with github.com/emersion/go-message.
type GoMessage struct{}

func (GoMessage) Parse(raw []byte) (attachment.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return attachment.Message{}, fmt.Errorf("create mail reader: %w", err)
	}
	defer func() {
		_ = mr.Close()
	}()

	msg := attachment.Message{ID: NormalizeMessageID(mr.Header.Get("Message-Id"))}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return attachment.Message{}, fmt.Errorf("read MIME part: %w", err)
		}

		var filename, mimeType string
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
			mimeType, _, _ = h.ContentType()
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			if ct == "" || strings.HasPrefix(ct, "text/") {
				// Message body, not an attachment.
				continue
			}
			mimeType = ct
			filename = params["name"]
		default:
			continue
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			return attachment.Message{}, fmt.Errorf("read attachment %q: %w", filename, err)
		}
		msg.Attachments = append(msg.Attachments, attachment.Attachment{
			Filename: filename,
			MIMEType: mimeType,
			Content:  content,
		})
	}
	return msg, nil
}
