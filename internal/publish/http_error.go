package publish

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
)

// ResponseError is a sanitized summary of a non-2xx downstream response.
//
// Important: do not include raw response bodies here (can leak PII/tokens).
type ResponseError struct {
	Status int
	Reason string

	// Snippet is a redacted, truncated hint from the response body.
	Snippet string
}

func (e ResponseError) describe(prefix string) string {
	s := fmt.Sprintf("%s: %d %s", prefix, e.Status, e.Reason)
	if strings.TrimSpace(e.Snippet) != "" {
		s += " body=" + strings.TrimSpace(e.Snippet)
	}
	return strings.TrimSpace(s)
}

// UploadError is returned when the file upload is rejected.
type UploadError struct {
	ResponseError
}

func (e *UploadError) Error() string {
	if e == nil {
		return "failed to upload file"
	}
	return e.describe("failed to upload file")
}

// PublishError is returned when the result post is rejected.
type PublishError struct {
	ResponseError
}

func (e *PublishError) Error() string {
	if e == nil {
		return "failed to post result"
	}
	return e.describe("failed to post result")
}

func newResponseError(resp *http.Response, body []byte) ResponseError {
	re := ResponseError{Snippet: redactAndTruncate(body)}
	if resp == nil {
		return re
	}
	re.Status = resp.StatusCode
	re.Reason = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if re.Reason == "" {
		re.Reason = http.StatusText(resp.StatusCode)
	}
	return re
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Keep this small: response bodies can contain sensitive data.
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
