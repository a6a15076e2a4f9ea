// Package publish delivers extraction results and their source files to the
// downstream store.
package publish

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/internal/version"
)

// ResultType is the fixed record type tag merged into every posted result.
const ResultType = "ValidPeriodExpirdateE"

// IdempotencyHeader carries the per-attachment key on keyed requests.
const IdempotencyHeader = "Idempotency-Key"

// Config holds the downstream endpoint and its access credentials.
type Config struct {
	PostURL      string
	ClientID     string
	ClientSecret string

	// DefaultCAPath is an optional PEM bundle trusted for TLS.
	DefaultCAPath string
	Timeout       time.Duration
}

// Client submits uploads and result posts. It never retries; callers own retry policy.
type Client struct {
	postURL      *url.URL
	clientID     string
	clientSecret string
	http         *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.PostURL)
	if raw == "" {
		return nil, fmt.Errorf("CF_POSTURL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CF_POSTURL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("CF_POSTURL must include a scheme and host (got %q)", raw)
	}

	hc, err := newHTTPClient(cfg.DefaultCAPath, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		postURL:      u,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		http:         hc,
	}, nil
}

func newHTTPClient(defaultCAPath string, timeout time.Duration) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(defaultCAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(defaultCAPath))
		if err != nil {
			return nil, fmt.Errorf("read DEFAULT_CA_PATH file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse DEFAULT_CA_PATH PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// UploadFile submits the original attachment tagged with key.
func (c *Client) UploadFile(ctx context.Context, content []byte, filename, mimeType, key string) error {
	body, contentType, err := multipartBody(content, filename, mimeType, key)
	if err != nil {
		return err
	}
	resp, b, err := c.do(ctx, body, contentType, key)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &UploadError{ResponseError: newResponseError(resp, b)}
	}
	return nil
}

// Archive submits an unkeyed audit copy of an attachment.
func (c *Client) Archive(ctx context.Context, content []byte, filename, mimeType string) error {
	body, contentType, err := multipartBody(content, filename, mimeType, "")
	if err != nil {
		return err
	}
	resp, b, err := c.do(ctx, body, contentType, "")
	if err != nil {
		return fmt.Errorf("archive file: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &UploadError{ResponseError: newResponseError(resp, b)}
	}
	return nil
}

// PostResult submits the extracted fields merged with the type tag and key.
func (c *Client) PostResult(ctx context.Context, fields extract.Fields, key string) error {
	payload, err := json.Marshal(Record(fields, key))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	resp, b, err := c.do(ctx, bytes.NewReader(payload), "application/json", key)
	if err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &PublishError{ResponseError: newResponseError(resp, b)}
	}
	return nil
}

// Record builds the posted JSON object. The type tag and key override model keys of
// the same name.
func Record(fields extract.Fields, key string) map[string]any {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["type"] = ResultType
	rec["fileUuid"] = key
	return rec
}

func (c *Client) do(ctx context.Context, body io.Reader, contentType, key string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL.String(), body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("CF-Access-Client-Id", c.clientID)
	req.Header.Set("CF-Access-Client-Secret", c.clientSecret)
	req.Header.Set("User-Agent", "mail-attachment-pipeline/"+version.Current)
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, b, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartBody(content []byte, filename, mimeType, key string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if key != "" {
		if err := mw.WriteField("uuid", key); err != nil {
			return nil, "", fmt.Errorf("write uuid field: %w", err)
		}
	}

	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
