package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/checkpoint"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/worker"
)

// Extractor runs the extraction stage on one attachment.
type Extractor interface {
	Run(ctx context.Context, att attachment.Attachment) (extract.Result, error)
}

// Publisher delivers a found result downstream.
type Publisher interface {
	UploadFile(ctx context.Context, content []byte, filename, mimeType, key string) error
	PostResult(ctx context.Context, fields extract.Fields, key string) error
}

// ErrClosed is returned when work is submitted to an engine that is shutting down.
var ErrClosed = errors.New("workflow engine closed")

// nonTransientRetries caps extra attempts for failures that are not classified as
// transient, whatever MaxRetries allows for transient ones.
const nonTransientRetries = 1

type Options struct {
	// Workers bounds concurrent attachments within one run.
	Workers int
	// MaxRetries is the number of extra attempts per attachment after a transient
	// failure. Other failures get at most one extra attempt.
	MaxRetries int
	// RetryDelay is the fixed sleep between attempts.
	RetryDelay time.Duration
	// RequestTimeout caps a single attempt. Zero uses the worker default.
	RequestTimeout time.Duration
	// RateLimitRPS is a global limit on attempts across workers. <=0 disables.
	RateLimitRPS float64

	// SkipPostOnUploadFailure skips the result post when the file upload fails.
	SkipPostOnUploadFailure bool
}

// DefaultOptions mirrors the retry schedule of the process step: one retry after 1s.
func DefaultOptions() Options {
	return Options{
		Workers:    4,
		MaxRetries: 1,
		RetryDelay: time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Engine executes runs and records their progress in a checkpoint store. Runs share no
// mutable state beyond the store.
type Engine struct {
	store     checkpoint.Store
	extractor Extractor
	publisher Publisher
	opts      Options
	logger    *zap.Logger
	newKey    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[string]*Run
}

func New(store checkpoint.Store, extractor Extractor, publisher Publisher, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		extractor: extractor,
		publisher: publisher,
		opts:      opts.withDefaults(),
		logger:    logger,
		newKey:    uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]*Run),
	}
}

// Run is a handle on an executing run.
type Run struct {
	ID string

	done   chan struct{}
	result BatchResult
	err    error
}

// Done is closed when the run stops, either finished or interrupted.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run stops or ctx ends.
func (r *Run) Wait(ctx context.Context) (BatchResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

// CreateBatch persists each payload as a new run and starts executing it in the
// background. Runs outlive ctx; only Close interrupts them.
func (e *Engine) CreateBatch(ctx context.Context, params []Params) ([]*Run, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	runs := make([]*Run, 0, len(params))
	for _, p := range params {
		id, err := e.Start(ctx, p)
		if err != nil {
			return runs, err
		}
		runs = append(runs, e.launch(id))
	}
	return runs, nil
}

// Start persists p under a fresh run id and marks it pending without executing it.
func (e *Engine) Start(ctx context.Context, p Params) (string, error) {
	if p.AttachmentsData == nil {
		p.AttachmentsData = []attachment.Descriptor{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	id := uuid.NewString()
	if err := e.store.Put(ctx, id, stepParams, b); err != nil {
		return "", fmt.Errorf("save params: %w", err)
	}
	if err := e.store.MarkPending(ctx, id); err != nil {
		return "", err
	}
	e.logger.Info("workflow created",
		zap.String("run", id),
		zap.String("message_id", p.MessageID),
		zap.Int("attachments", len(p.AttachmentsData)),
	)
	return id, nil
}

// Resume re-executes runID in the background from its last completed step. Resuming a
// run that is already executing returns the existing handle.
func (e *Engine) Resume(runID string) *Run {
	return e.launch(runID)
}

// ResumePending resumes every run the store reports as unfinished.
func (e *Engine) ResumePending(ctx context.Context) ([]*Run, error) {
	ids, err := e.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, e.launch(id))
	}
	return runs, nil
}

// Close interrupts executing runs and waits for them to stop. Interrupted runs stay
// pending and can be resumed later. Runs launched after Close are not executed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// launch starts runID unless it is already executing. Once the engine is closed it
// returns a finished handle carrying ErrClosed; the run stays pending in the store.
func (e *Engine) launch(runID string) *Run {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r := &Run{ID: runID, done: make(chan struct{}), err: ErrClosed}
		close(r.done)
		return r
	}
	if r, ok := e.active[runID]; ok {
		e.mu.Unlock()
		return r
	}
	r := &Run{ID: runID, done: make(chan struct{})}
	e.active[runID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		r.result, r.err = e.Execute(e.ctx, runID)
		if r.err != nil && !errors.As(r.err, new(*BatchDecodeError)) {
			e.logger.Error("workflow interrupted",
				zap.String("run", runID),
				zap.String("error", redact.Secrets(r.err.Error())),
			)
		}
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		close(r.done)
	}()
	return r
}

// Execute runs runID synchronously, skipping steps whose outputs are already stored.
// A cancelled ctx leaves the run pending. A decode failure finishes the run as failed
// and returns a *BatchDecodeError.
func (e *Engine) Execute(ctx context.Context, runID string) (BatchResult, error) {
	b, ok, err := e.store.Get(ctx, runID, stepParams)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load params: %w", err)
	}
	if !ok {
		return BatchResult{}, fmt.Errorf("run %s not found", runID)
	}
	var p Params
	if err := json.Unmarshal(b, &p); err != nil {
		return BatchResult{}, fmt.Errorf("decode params: %w", err)
	}

	res := BatchResult{RunID: runID, MessageID: p.MessageID, State: StateDecoding, Items: []ItemResult{}}
	log := e.logger.With(zap.String("run", runID), zap.String("message_id", p.MessageID))

	if b, ok, err := e.store.Get(ctx, runID, stepAbort); err != nil {
		return res, fmt.Errorf("load abort marker: %w", err)
	} else if ok {
		res.State = StateFailed
		res.Error = string(b)
		return res, errors.New(res.Error)
	}

	atts, replayed, err := memo(ctx, e.store, runID, StepDecode, func(context.Context) ([]attachment.Attachment, error) {
		out := make([]attachment.Attachment, 0, len(p.AttachmentsData))
		for i, d := range p.AttachmentsData {
			a, err := d.Decode()
			if err != nil {
				return nil, &BatchDecodeError{Index: i, Filename: d.Filename, Err: err}
			}
			out = append(out, a)
		}
		return out, nil
	})
	if err != nil {
		var de *BatchDecodeError
		if errors.As(err, &de) {
			return e.abort(ctx, log, res, err)
		}
		return res, err
	}
	log.Info("step complete", zap.String("step", StepDecode), zap.Int("attachments", len(atts)), zap.Bool("replayed", replayed))

	res.State = StateExtracting
	items, replayed, err := memo(ctx, e.store, runID, StepProcess, func(ctx context.Context) ([]ItemResult, error) {
		return e.processAll(ctx, runID, log, atts)
	})
	if err != nil {
		return res, err
	}
	res.Items = items
	log.Info("step complete", zap.String("step", StepProcess), zap.Bool("replayed", replayed))

	res.State = StateFinalizing
	counts := res.Counts()
	if _, _, err := memo(ctx, e.store, runID, StepFinal, func(context.Context) (map[ItemStatus]int, error) {
		log.Info("workflow completed",
			zap.String("step", StepFinal),
			zap.Int("extracted", counts[ItemExtracted]),
			zap.Int("skipped", counts[ItemSkipped]),
			zap.Int("failed", counts[ItemFailed]),
		)
		return counts, nil
	}); err != nil {
		return res, err
	}

	if err := e.store.MarkDone(ctx, runID); err != nil {
		return res, err
	}
	res.State = StateDone
	return res, nil
}

func (e *Engine) abort(ctx context.Context, log *zap.Logger, res BatchResult, cause error) (BatchResult, error) {
	res.State = StateFailed
	res.Error = redact.Secrets(cause.Error())
	log.Error("workflow aborted", zap.String("step", StepDecode), zap.String("error", res.Error))
	if err := e.store.Put(ctx, res.RunID, stepAbort, []byte(res.Error)); err != nil {
		return res, errors.Join(cause, err)
	}
	if err := e.store.MarkDone(ctx, res.RunID); err != nil {
		return res, errors.Join(cause, err)
	}
	return res, cause
}

type item struct {
	index int
	att   attachment.Attachment
}

func (e *Engine) processAll(ctx context.Context, runID string, log *zap.Logger, atts []attachment.Attachment) ([]ItemResult, error) {
	in := make([]item, len(atts))
	for i, a := range atts {
		in[i] = item{index: i, att: a}
	}

	process := func(ctx context.Context, it item) (ItemResult, error) {
		res, err := e.processOne(ctx, runID, log, it)
		return res, retryClass(err)
	}
	logDone := func(r worker.Result[item, ItemResult]) error {
		ir := itemResult(r)
		fields := []zap.Field{
			zap.String("filename", ir.Filename),
			zap.String("status", string(ir.Status)),
			zap.Int("attempt", ir.Attempts),
		}
		if ir.Status == ItemFailed {
			log.Warn("attachment failed", append(fields, zap.String("error", ir.Error))...)
		} else {
			log.Info("attachment processed", fields...)
		}
		return nil
	}
	results, err := worker.ProcessAll(ctx, in, process, logDone, worker.Options{
		Workers:        e.opts.Workers,
		MaxRetries:     e.opts.MaxRetries,
		RequestTimeout: e.opts.RequestTimeout,
		RateLimitRPS:   e.opts.RateLimitRPS,
		RetryDelay:     e.opts.RetryDelay,
	})
	if err != nil {
		return nil, err
	}

	out := make([]ItemResult, len(results))
	for i, r := range results {
		out[i] = itemResult(r)
	}
	return out, nil
}

func itemResult(r worker.Result[item, ItemResult]) ItemResult {
	ir := r.Output
	ir.Index = r.Input.index
	ir.Filename = r.Input.att.Filename
	ir.Attempts = r.Attempts
	if r.Err != nil {
		ir.Status = ItemFailed
		ir.Fields = nil
		ir.Error = redact.Secrets(r.Err.Error())
	}
	return ir
}

// retryClass gives every failure a retry budget. Transient and permanent failures keep
// their classification; anything else is retried at most nonTransientRetries times.
func retryClass(err error) error {
	if err == nil || worker.IsTransient(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var pe *core.PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &core.LimitedTransientError{Err: err, ExtraRetries: nonTransientRetries}
}

// processOne is one attempt at an attachment. Sub-steps that completed on an earlier
// attempt or an earlier execution of the run are replayed from the store.
func (e *Engine) processOne(ctx context.Context, runID string, log *zap.Logger, it item) (ItemResult, error) {
	log = log.With(zap.String("filename", it.att.Filename), zap.Int("attempt", worker.Attempt(ctx)))
	prefix := fmt.Sprintf("%d/", it.index)

	res, _, err := memo(ctx, e.store, runID, prefix+"extract", func(ctx context.Context) (extract.Result, error) {
		return e.extractor.Run(ctx, it.att)
	})
	if err != nil {
		return ItemResult{}, err
	}
	switch {
	case res.Skipped:
		return ItemResult{Status: ItemSkipped, Reason: "attachment has no content"}, nil
	case !res.Found():
		return ItemResult{Status: ItemSkipped, Reason: "model returned no result"}, nil
	}

	key, _, err := memo(ctx, e.store, runID, prefix+"key", func(context.Context) (string, error) {
		return e.newKey(), nil
	})
	if err != nil {
		return ItemResult{}, err
	}
	out := ItemResult{Status: ItemExtracted, Fields: res.Fields, Key: key}
	log = log.With(zap.String("key", key))

	_, _, uploadErr := memo(ctx, e.store, runID, prefix+"upload", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.publisher.UploadFile(ctx, it.att.Content, it.att.Filename, it.att.MIMEType, key)
	})
	if uploadErr != nil {
		log.Warn("upload failed", zap.String("error", redact.Secrets(uploadErr.Error())))
		if e.opts.SkipPostOnUploadFailure {
			return out, uploadErr
		}
	}

	_, replayed, postErr := memo(ctx, e.store, runID, prefix+"post", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.publisher.PostResult(ctx, res.Fields, key)
	})
	if postErr != nil {
		log.Warn("post result failed", zap.String("error", redact.Secrets(postErr.Error())))
	} else if !replayed {
		log.Info("result published")
	}
	return out, errors.Join(uploadErr, postErr)
}
