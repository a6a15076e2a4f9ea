// Package extract runs the document-extraction model over one attachment.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/worker"
)

var errNotObject = errors.New("model response is not a JSON object")

// Stage normalizes collaborator responses into a Result or an *ExtractionError.
type Stage struct {
	gen    Generator
	logger *zap.Logger
}

func NewStage(gen Generator, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{gen: gen, logger: logger}
}

func (s *Stage) Run(ctx context.Context, att attachment.Attachment) (Result, error) {
	log := s.logger.With(zap.String("filename", att.Filename), zap.String("mime_type", att.MIMEType))
	if !att.HasContent() {
		log.Info("attachment has no content, skipping extraction")
		return Result{Skipped: true}, nil
	}

	log.Info("processing attachment content", zap.Int("size", len(att.Content)))
	text, err := s.gen.Generate(ctx, att)
	if err != nil {
		log.Error("generate content failed",
			zap.String("error", redact.Secrets(err.Error())),
			zap.Bool("retryable", worker.IsTransient(err)),
		)
		return Result{}, &ExtractionError{Filename: att.Filename, Err: err}
	}
	if noAnswer(text) {
		log.Info("model returned no result, nothing to publish")
		return Result{Empty: true}, nil
	}

	var fields Fields
	if err := json.Unmarshal([]byte(text), &fields); err != nil || fields == nil {
		if err == nil {
			err = errNotObject
		}
		log.Error("parse model response failed", zap.Error(err))
		return Result{}, &ExtractionError{Filename: att.Filename, Err: err}
	}

	log.Info("generated content",
		zap.Bool("has_car_id", fields.HasCarID()),
		zap.Bool("has_expiry_date", fields.HasExpiryDate()),
	)
	return Result{Fields: fields, Text: text}, nil
}

// noAnswer reports whether text is the model's "not this kind of document" answer: no
// text, JSON null, or a JSON string that is blank.
func noAnswer(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "null" {
		return true
	}
	if trimmed[0] != '"' {
		return false
	}
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return false
	}
	return strings.TrimSpace(s) == ""
}
