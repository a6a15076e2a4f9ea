package workflow_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/checkpoint"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/internal/mockstore"
	"github.com/shpitdev/mail-attachment-pipeline/internal/publish"
	"github.com/shpitdev/mail-attachment-pipeline/internal/workflow"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/core"
)

const sampleResponse = `{"CarId":"TEST-123","ValidPeriodExpirdateE":"令和","ValidPeriodExpirdateY":"7","ValidPeriodExpirdateM":"12","ValidPeriodExpirdateD":"31","IsValidPeriodExpirdate":true,"IsCarId":true}`

type fakeGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(att attachment.Attachment) (string, error)
}

func (g *fakeGenerator) Generate(_ context.Context, att attachment.Attachment) (string, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[att.Filename]++
	g.mu.Unlock()
	return g.respond(att)
}

func (g *fakeGenerator) Calls(filename string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[filename]
}

type harness struct {
	store  checkpoint.Store
	gen    *fakeGenerator
	srv    *mockstore.Server
	client *publish.Client
}

func newHarness(t *testing.T, respond func(att attachment.Attachment) (string, error)) *harness {
	t.Helper()

	srv := mockstore.New("")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := publish.NewClient(publish.Config{PostURL: ts.URL, ClientID: "id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return &harness{
		store:  checkpoint.NewMemory(),
		gen:    &fakeGenerator{respond: respond},
		srv:    srv,
		client: client,
	}
}

func (h *harness) engine(t *testing.T, pub workflow.Publisher, mutate func(*workflow.Options)) *workflow.Engine {
	t.Helper()
	if pub == nil {
		pub = h.client
	}
	opts := workflow.Options{Workers: 2, MaxRetries: 1, RetryDelay: time.Millisecond}
	if mutate != nil {
		mutate(&opts)
	}
	e := workflow.New(h.store, extract.NewStage(h.gen, nil), pub, opts, nil)
	t.Cleanup(e.Close)
	return e
}

func runOne(t *testing.T, e *workflow.Engine, p workflow.Params) (workflow.BatchResult, error) {
	t.Helper()
	runs, err := e.CreateBatch(context.Background(), []workflow.Params{p})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runs[0].Wait(ctx)
}

func pdf(name string) attachment.Descriptor {
	return attachment.Describe(attachment.Attachment{
		Filename: name,
		MIMEType: "application/pdf",
		Content:  []byte("%PDF-1.4 " + name),
	})
}

func always(text string) func(attachment.Attachment) (string, error) {
	return func(attachment.Attachment) (string, error) { return text, nil }
}

func TestEngine_EmptyBatchCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{MessageID: "m1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != workflow.StateDone || len(res.Items) != 0 || res.MessageID != "m1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(h.srv.Calls()); n != 0 {
		t.Fatalf("expected no outbound calls, got %d", n)
	}
	pending, _ := h.store.Pending(context.Background())
	if len(pending) != 0 {
		t.Fatalf("finished run still pending: %v", pending)
	}
}

func TestEngine_PublishesUploadThenPost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("shaken.pdf")},
		MessageID:       "abc@example.com",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Status != workflow.ItemExtracted {
		t.Fatalf("unexpected items: %+v", res.Items)
	}
	key := res.Items[0].Key
	if key == "" {
		t.Fatalf("expected idempotency key on extracted item")
	}

	calls := h.srv.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].Kind != mockstore.KindUpload || calls[0].Key != key || string(calls[0].Bytes) != "%PDF-1.4 shaken.pdf" {
		t.Fatalf("first call must be the keyed upload: %+v", calls[0])
	}
	if calls[1].Kind != mockstore.KindResult {
		t.Fatalf("second call must be the result post: %+v", calls[1])
	}
	want := map[string]any{
		"CarId":                  "TEST-123",
		"ValidPeriodExpirdateE":  "令和",
		"ValidPeriodExpirdateY":  "7",
		"ValidPeriodExpirdateM":  "12",
		"ValidPeriodExpirdateD":  "31",
		"IsValidPeriodExpirdate": true,
		"IsCarId":                true,
		"type":                   publish.ResultType,
		"fileUuid":               key,
	}
	if diff := cmp.Diff(want, calls[1].Record); diff != "" {
		t.Fatalf("posted record mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_EmptyTextPublishesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always("  "))
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("blank.pdf")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Items[0].Status != workflow.ItemSkipped || res.Items[0].Key != "" {
		t.Fatalf("unexpected item: %+v", res.Items[0])
	}
	if n := len(h.srv.Calls()); n != 0 {
		t.Fatalf("expected zero outbound calls, got %d", n)
	}
}

func TestEngine_NilContentSkipsModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{{Filename: "ghost.bin", MIMEType: "application/octet-stream"}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Items[0].Status != workflow.ItemSkipped {
		t.Fatalf("unexpected item: %+v", res.Items[0])
	}
	if n := h.gen.Calls("ghost.bin"); n != 0 {
		t.Fatalf("model must not be called for absent content, got %d calls", n)
	}
	if n := len(h.srv.Calls()); n != 0 {
		t.Fatalf("expected zero outbound calls, got %d", n)
	}
}

func TestEngine_FailureIsIsolatedPerAttachment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(att attachment.Attachment) (string, error) {
		if att.Filename == "bad.pdf" {
			return "", errors.New("model rejected input key=secret")
		}
		return sampleResponse, nil
	})
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("bad.pdf"), pdf("good.pdf")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != workflow.StateDone {
		t.Fatalf("state=%s", res.State)
	}

	bad, good := res.Items[0], res.Items[1]
	if bad.Status != workflow.ItemFailed || bad.Error != extract.ExtractionFailedMessage {
		t.Fatalf("unexpected bad item: %+v", bad)
	}
	if bad.Attempts != 2 || h.gen.Calls("bad.pdf") != 2 {
		t.Fatalf("expected one retry, attempts=%d calls=%d", bad.Attempts, h.gen.Calls("bad.pdf"))
	}
	if good.Status != workflow.ItemExtracted || good.Filename != "good.pdf" {
		t.Fatalf("unexpected good item: %+v", good)
	}

	calls := h.srv.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected only the good attachment to publish, got %d calls", len(calls))
	}
	for _, c := range calls {
		if c.Key != good.Key {
			t.Fatalf("call for unexpected key: %+v", c)
		}
	}
}

func TestEngine_DecodeFailureAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	bad := "not base64!!"
	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{
			pdf("ok.pdf"),
			{Filename: "broken.pdf", MIMEType: "application/pdf", ContentBase64: &bad},
		},
	})
	var de *workflow.BatchDecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected BatchDecodeError, got %T %v", err, err)
	}
	if de.Index != 1 || de.Filename != "broken.pdf" {
		t.Fatalf("unexpected decode error: %+v", de)
	}
	if res.State != workflow.StateFailed {
		t.Fatalf("state=%s", res.State)
	}
	if n := h.gen.Calls("ok.pdf"); n != 0 {
		t.Fatalf("no attachment may be processed after a decode failure, got %d calls", n)
	}
	if n := len(h.srv.Calls()); n != 0 {
		t.Fatalf("expected zero outbound calls, got %d", n)
	}
	pending, _ := h.store.Pending(context.Background())
	if len(pending) != 0 {
		t.Fatalf("aborted run must not be resumed: %v", pending)
	}
}

func TestEngine_UploadFailureStillPosts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	h.srv.FailNext(mockstore.KindUpload, http.StatusInternalServerError)

	res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("shaken.pdf")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	it := res.Items[0]
	if it.Status != workflow.ItemExtracted || it.Attempts != 2 {
		t.Fatalf("unexpected item: %+v", it)
	}

	var kinds []mockstore.Kind
	for _, c := range h.srv.Calls() {
		if c.Key != it.Key {
			t.Fatalf("retry used a different key: %+v", c)
		}
		kinds = append(kinds, c.Kind)
	}
	want := []mockstore.Kind{mockstore.KindUpload, mockstore.KindResult, mockstore.KindUpload}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("call sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SkipPostOnUploadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	h.srv.FailNext(mockstore.KindUpload, http.StatusBadGateway, http.StatusBadGateway)

	e := h.engine(t, nil, func(o *workflow.Options) { o.SkipPostOnUploadFailure = true })
	res, err := runOne(t, e, workflow.Params{AttachmentsData: []attachment.Descriptor{pdf("shaken.pdf")}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	it := res.Items[0]
	if it.Status != workflow.ItemFailed || !strings.HasPrefix(it.Error, "failed to upload file: 502") {
		t.Fatalf("unexpected item: %+v", it)
	}
	for _, c := range h.srv.Calls() {
		if c.Kind == mockstore.KindResult {
			t.Fatalf("result must not be posted after upload failure")
		}
	}
}

type cancelOnFirstPost struct {
	*publish.Client
	cancel context.CancelFunc
	once   sync.Once
}

func (p *cancelOnFirstPost) PostResult(ctx context.Context, fields extract.Fields, key string) error {
	fired := false
	p.once.Do(func() {
		fired = true
		p.cancel()
	})
	if fired {
		return ctx.Err()
	}
	return p.Client.PostResult(ctx, fields, key)
}

func TestEngine_ReplayReusesCompletedSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &cancelOnFirstPost{Client: h.client, cancel: cancel}
	e := h.engine(t, pub, nil)

	runID, err := e.Start(context.Background(), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("shaken.pdf")},
		MessageID:       "m1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := e.Execute(ctx, runID); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption, got %v", err)
	}
	pending, _ := h.store.Pending(context.Background())
	if diff := cmp.Diff([]string{runID}, pending); diff != "" {
		t.Fatalf("interrupted run must stay pending (-want +got):\n%s", diff)
	}

	res, err := e.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != workflow.StateDone || res.Items[0].Status != workflow.ItemExtracted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := h.gen.Calls("shaken.pdf"); n != 1 {
		t.Fatalf("extraction must be replayed from the checkpoint, got %d calls", n)
	}

	calls := h.srv.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected one upload and one post across both executions, got %+v", calls)
	}
	if calls[0].Key != res.Items[0].Key || calls[1].Record["fileUuid"] != res.Items[0].Key {
		t.Fatalf("key changed across replay: upload=%q post=%v item=%q", calls[0].Key, calls[1].Record["fileUuid"], res.Items[0].Key)
	}

	again, err := e.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("re-execute finished run: %v", err)
	}
	if diff := cmp.Diff(res, again); diff != "" {
		t.Fatalf("re-executing a finished run must be a pure replay (-want +got):\n%s", diff)
	}
	if n := len(h.srv.Calls()); n != 2 {
		t.Fatalf("replay made outbound calls: %d", n)
	}
}

func TestEngine_ResumePending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	e := h.engine(t, nil, nil)

	var ids []string
	for _, name := range []string{"a.pdf", "b.pdf"} {
		id, err := e.Start(context.Background(), workflow.Params{AttachmentsData: []attachment.Descriptor{pdf(name)}})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		ids = append(ids, id)
	}

	runs, err := e.ResumePending(context.Background())
	if err != nil {
		t.Fatalf("resume pending: %v", err)
	}
	if len(runs) != len(ids) {
		t.Fatalf("expected %d runs, got %d", len(ids), len(runs))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, r := range runs {
		if r.ID != ids[i] {
			t.Fatalf("run %d id=%s want %s", i, r.ID, ids[i])
		}
		res, err := r.Wait(ctx)
		if err != nil || res.State != workflow.StateDone {
			t.Fatalf("run %s: state=%s err=%v", r.ID, res.State, err)
		}
	}
	if n := len(h.srv.Results()); n != 2 {
		t.Fatalf("expected 2 results, got %d", n)
	}
}

func TestEngine_NotADocumentAnswerPublishesNothing(t *testing.T) {
	t.Parallel()

	for _, text := range []string{`""`, "null"} {
		h := newHarness(t, always(text))
		res, err := runOne(t, h.engine(t, nil, nil), workflow.Params{
			AttachmentsData: []attachment.Descriptor{pdf("flyer.pdf")},
		})
		if err != nil {
			t.Fatalf("run(%s): %v", text, err)
		}
		it := res.Items[0]
		if it.Status != workflow.ItemSkipped || it.Key != "" || it.Attempts != 1 {
			t.Fatalf("answer %s: unexpected item %+v", text, it)
		}
		if n := h.gen.Calls("flyer.pdf"); n != 1 {
			t.Fatalf("answer %s: expected a single model call, got %d", text, n)
		}
		if n := len(h.srv.Calls()); n != 0 {
			t.Fatalf("answer %s: expected zero outbound calls, got %d", text, n)
		}
	}
}

func TestEngine_TransientFailuresUseFullRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(att attachment.Attachment) (string, error) {
		if att.Filename == "busy.pdf" {
			return "", &core.TransientError{Err: errors.New("429 resource exhausted")}
		}
		return "", errors.New("400 invalid argument")
	})
	res, err := runOne(t, h.engine(t, nil, func(o *workflow.Options) { o.MaxRetries = 3 }), workflow.Params{
		AttachmentsData: []attachment.Descriptor{pdf("busy.pdf"), pdf("rejected.pdf")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	busy, rejected := res.Items[0], res.Items[1]
	if busy.Status != workflow.ItemFailed || busy.Attempts != 4 || h.gen.Calls("busy.pdf") != 4 {
		t.Fatalf("transient failure: attempts=%d calls=%d", busy.Attempts, h.gen.Calls("busy.pdf"))
	}
	if rejected.Status != workflow.ItemFailed || rejected.Attempts != 2 || h.gen.Calls("rejected.pdf") != 2 {
		t.Fatalf("non-transient failure: attempts=%d calls=%d", rejected.Attempts, h.gen.Calls("rejected.pdf"))
	}
	for _, it := range res.Items {
		if it.Error != extract.ExtractionFailedMessage {
			t.Fatalf("item error=%q", it.Error)
		}
	}
}

func TestEngine_ClosedEngineRefusesWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, always(sampleResponse))
	e := h.engine(t, nil, nil)

	id, err := e.Start(context.Background(), workflow.Params{AttachmentsData: []attachment.Descriptor{pdf("late.pdf")}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Close()

	if _, err := e.CreateBatch(context.Background(), []workflow.Params{{MessageID: "m2"}}); !errors.Is(err, workflow.ErrClosed) {
		t.Fatalf("CreateBatch after Close: %v", err)
	}

	r := e.Resume(id)
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("resume after Close did not return a finished handle")
	}
	if _, err := r.Wait(context.Background()); !errors.Is(err, workflow.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	pending, err := h.store.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if diff := cmp.Diff([]string{id}, pending); diff != "" {
		t.Fatalf("refused run must stay pending (-want +got):\n%s", diff)
	}
	if n := h.gen.Calls("late.pdf"); n != 0 {
		t.Fatalf("closed engine executed a run: %d calls", n)
	}
}
