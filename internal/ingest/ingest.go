// Package ingest turns a raw inbound email into a submitted workflow run.
package ingest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/codec"
	"github.com/shpitdev/mail-attachment-pipeline/internal/mailparse"
	"github.com/shpitdev/mail-attachment-pipeline/internal/workflow"
)

// Submitter starts workflow runs.
type Submitter interface {
	CreateBatch(ctx context.Context, params []workflow.Params) ([]*workflow.Run, error)
}

// ParseError reports an inbound message that could not be read or decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Receipt describes an accepted message.
type Receipt struct {
	RunID       string `json:"runId"`
	Workflow    string `json:"workflow"`
	MessageID   string `json:"messageId"`
	Attachments int    `json:"attachments"`
}

type Ingestor struct {
	parser    mailparse.Parser
	extractor *attachment.Extractor
	submitter Submitter
	logger    *zap.Logger
	now       func() time.Time
}

func New(parser mailparse.Parser, extractor *attachment.Extractor, submitter Submitter, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		parser:    parser,
		extractor: extractor,
		submitter: submitter,
		logger:    logger,
		now:       time.Now,
	}
}

// WorkflowName is the log label of a message's run: the message id, or the current
// unix milliseconds when the message has none.
func WorkflowName(messageID string, now time.Time) string {
	if messageID == "" {
		return "email-workflow-" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	return "email-workflow-" + messageID
}

// BuildMessage reads up to size bytes of raw and decodes them. A negative size reads
// to EOF.
func (i *Ingestor) BuildMessage(raw io.Reader, size int64) (attachment.Message, error) {
	b, err := codec.ReadFully(raw, size)
	if err != nil {
		return attachment.Message{}, &ParseError{Err: err}
	}
	if size >= 0 && int64(len(b)) < size {
		i.logger.Warn("raw message shorter than declared size",
			zap.Int64("declared", size),
			zap.Int("read", len(b)),
		)
	}
	msg, err := i.parser.Parse(b)
	if err != nil {
		return attachment.Message{}, &ParseError{Err: err}
	}
	return msg, nil
}

// Receive parses raw, archives and describes its attachments, and submits them as a
// single-run batch.
func (i *Ingestor) Receive(ctx context.Context, raw io.Reader, size int64) (Receipt, *workflow.Run, error) {
	msg, err := i.BuildMessage(raw, size)
	if err != nil {
		return Receipt{}, nil, err
	}

	name := WorkflowName(msg.ID, i.now())
	log := i.logger.With(zap.String("workflow", name), zap.String("message_id", msg.ID))
	log.Info("received message", zap.Int("attachments", len(msg.Attachments)))

	descriptors := i.extractor.Extract(ctx, msg)
	runs, err := i.submitter.CreateBatch(ctx, []workflow.Params{{
		AttachmentsData: descriptors,
		MessageID:       msg.ID,
	}})
	if err != nil {
		return Receipt{}, nil, fmt.Errorf("submit workflow: %w", err)
	}
	if len(runs) != 1 {
		return Receipt{}, nil, fmt.Errorf("submit workflow: expected 1 run, got %d", len(runs))
	}

	log.Info("workflow started", zap.String("run", runs[0].ID))
	return Receipt{
		RunID:       runs[0].ID,
		Workflow:    name,
		MessageID:   msg.ID,
		Attachments: len(descriptors),
	}, runs[0], nil
}
