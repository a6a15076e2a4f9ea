package publish_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/internal/mockstore"
	"github.com/shpitdev/mail-attachment-pipeline/internal/publish"
)

func newTestClient(t *testing.T) (*publish.Client, *mockstore.Server) {
	t.Helper()

	srv := mockstore.New("")
	srv.RequireAccess("client-id", "client-secret")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := publish.NewClient(publish.Config{
		PostURL:      ts.URL + "/ingest",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestUploadFile_SendsKeyedMultipart(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t)
	if err := c.UploadFile(context.Background(), []byte("%PDF-1.4"), "shaken.pdf", "application/pdf", "key-1"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := mockstore.Call{
		Kind:     mockstore.KindUpload,
		Key:      "key-1",
		Filename: "shaken.pdf",
		MIMEType: "application/pdf",
		Bytes:    []byte("%PDF-1.4"),
		Status:   http.StatusOK,
	}
	if diff := cmp.Diff(want, calls[0]); diff != "" {
		t.Fatalf("call mismatch (-want +got):\n%s", diff)
	}
}

func TestArchive_SendsUnkeyedMultipart(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t)
	if err := c.Archive(context.Background(), []byte{1, 2}, "photo.png", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	calls := srv.Calls()
	if len(calls) != 1 || calls[0].Kind != mockstore.KindArchive || calls[0].Key != "" {
		t.Fatalf("unexpected calls: %#v", calls)
	}
	if calls[0].MIMEType != "application/octet-stream" {
		t.Fatalf("expected default mime type, got %q", calls[0].MIMEType)
	}
}

func TestUploadFile_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		reason string
	}{
		{status: http.StatusForbidden, reason: "Forbidden"},
		{status: http.StatusInternalServerError, reason: "Internal Server Error"},
	}
	for _, tt := range tests {
		c, srv := newTestClient(t)
		srv.FailNext(mockstore.KindUpload, tt.status)

		err := c.UploadFile(context.Background(), []byte("x"), "a.pdf", "application/pdf", "key-1")
		var ue *publish.UploadError
		if !errors.As(err, &ue) {
			t.Fatalf("expected UploadError, got %T %v", err, err)
		}
		if ue.Status != tt.status || ue.Reason != tt.reason {
			t.Fatalf("UploadError{%d %q} want {%d %q}", ue.Status, ue.Reason, tt.status, tt.reason)
		}
	}
}

func TestPostResult_MergesTypeTagAndKey(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t)
	fields := extract.Fields{"CarId": "TEST-123", "IsCarId": true, "type": "model-supplied"}
	if err := c.PostResult(context.Background(), fields, "key-1"); err != nil {
		t.Fatalf("post: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 1 || calls[0].Kind != mockstore.KindResult {
		t.Fatalf("unexpected calls: %#v", calls)
	}
	want := map[string]any{
		"CarId":    "TEST-123",
		"IsCarId":  true,
		"type":     publish.ResultType,
		"fileUuid": "key-1",
	}
	if diff := cmp.Diff(want, calls[0].Record); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	if fields["type"] != "model-supplied" {
		t.Fatalf("input fields must not be mutated")
	}
}

func TestPostResult_Unauthorized(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t)
	srv.FailNext(mockstore.KindResult, http.StatusUnauthorized)

	err := c.PostResult(context.Background(), extract.Fields{"CarId": "X"}, "key-1")
	var pe *publish.PublishError
	if !errors.As(err, &pe) || pe.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 PublishError, got %T %v", err, err)
	}
}

func TestRequests_RejectedWithoutCredentials(t *testing.T) {
	t.Parallel()

	srv := mockstore.New("")
	srv.RequireAccess("client-id", "client-secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := publish.NewClient(publish.Config{PostURL: ts.URL, ClientID: "client-id", ClientSecret: "wrong"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = c.UploadFile(context.Background(), []byte("x"), "a.pdf", "application/pdf", "key-1")
	var ue *publish.UploadError
	if !errors.As(err, &ue) || ue.Status != http.StatusForbidden {
		t.Fatalf("expected 403 UploadError, got %v", err)
	}
}

func TestPostResult_NetworkFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := publish.NewClient(publish.Config{PostURL: url})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = c.PostResult(context.Background(), extract.Fields{}, "key-1")
	if err == nil {
		t.Fatalf("expected network error")
	}
	var pe *publish.PublishError
	if errors.As(err, &pe) {
		t.Fatalf("network failure must not be reported as a response error: %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/path"} {
		if _, err := publish.NewClient(publish.Config{PostURL: raw}); err == nil {
			t.Fatalf("NewClient(%q): expected error", raw)
		}
	}
}
