// Package attachment turns parsed messages into pipeline input and archives the raw
// attachments on the way through.
package attachment

import (
	"context"

	"go.uber.org/zap"
)

// Archiver stores a raw copy of an attachment. No idempotency key is involved.
type Archiver interface {
	Archive(ctx context.Context, content []byte, filename, mimeType string) error
}

// Extractor converts messages into descriptors.
type Extractor struct {
	archiver Archiver
	logger   *zap.Logger
}

// NewExtractor builds an Extractor. A nil archiver disables archival.
func NewExtractor(archiver Archiver, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{archiver: archiver, logger: logger}
}

// Extract archives every attachment of msg and returns their descriptors in message
// order. Archival failures are logged and never abort extraction.
func (e *Extractor) Extract(ctx context.Context, msg Message) []Descriptor {
	if len(msg.Attachments) == 0 {
		e.logger.Info("no attachments", zap.String("message_id", msg.ID))
		return []Descriptor{}
	}

	out := make([]Descriptor, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		e.logger.Info("attachment",
			zap.String("message_id", msg.ID),
			zap.String("filename", att.Filename),
			zap.String("mime_type", att.MIMEType),
			zap.Int("size", len(att.Content)),
		)
		if e.archiver != nil {
			if err := e.archiver.Archive(ctx, att.Content, att.Filename, att.MIMEType); err != nil {
				e.logger.Warn("archive attachment failed",
					zap.String("message_id", msg.ID),
					zap.String("filename", att.Filename),
					zap.Error(err),
				)
			}
		}
		out = append(out, Describe(att))
	}
	return out
}
