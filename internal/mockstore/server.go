// Package mockstore implements a recording stand-in for the downstream result store.
package mockstore

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Kind classifies a received request.
type Kind string

const (
	KindArchive Kind = "archive"
	KindUpload  Kind = "upload"
	KindResult  Kind = "result"
)

// Call records a request made to the mock service, in arrival order.
type Call struct {
	Kind     Kind
	Key      string
	Filename string
	MIMEType string
	Bytes    []byte
	Record   map[string]any
	Status   int
}

// Server accepts multipart uploads and JSON result posts on any path.
type Server struct {
	uploadDir string

	mu     sync.Mutex
	calls  []Call
	fail   map[Kind][]int
	access [2]string
}

// New constructs a new mock server. When uploadDir is non-empty, accepted files are
// also written to disk under <uploadDir>/<key or "archive">/<filename>.
func New(uploadDir string) *Server {
	return &Server{
		uploadDir: uploadDir,
		fail:      make(map[Kind][]int),
	}
}

// RequireAccess enforces the access credential headers. Empty values disable the check.
func (s *Server) RequireAccess(clientID, clientSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = [2]string{strings.TrimSpace(clientID), strings.TrimSpace(clientSecret)}
}

// FailNext makes the next len(statuses) requests of kind respond with those statuses.
func (s *Server) FailNext(kind Kind, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[kind] = append(s.fail[kind], statuses...)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Results returns accepted result records collapsed by idempotency key, keeping the
// first delivery of each key.
func (s *Server) Results() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any)
	for _, c := range s.calls {
		if c.Kind != KindResult || c.Status/100 != 2 {
			continue
		}
		if _, seen := out[c.Key]; !seen {
			out[c.Key] = c.Record
		}
	}
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	call, err := decodeCall(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	call.Status = s.nextStatus(call.Kind)
	if call.Status/100 == 2 && call.Kind != KindResult {
		if err := s.persist(call); err != nil {
			call.Status = http.StatusInternalServerError
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	if call.Status/100 != 2 {
		http.Error(w, http.StatusText(call.Status), call.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) authorize(r *http.Request) bool {
	s.mu.Lock()
	access := s.access
	s.mu.Unlock()
	if access[0] == "" && access[1] == "" {
		return true
	}
	return r.Header.Get("CF-Access-Client-Id") == access[0] &&
		r.Header.Get("CF-Access-Client-Secret") == access[1]
}

func (s *Server) nextStatus(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.fail[kind]
	if len(queue) == 0 {
		return http.StatusOK
	}
	s.fail[kind] = queue[1:]
	return queue[0]
}

func decodeCall(r *http.Request) (Call, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return Call{}, fmt.Errorf("invalid content type: %v", err)
	}

	switch mediaType {
	case "application/json":
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return Call{}, fmt.Errorf("read body: %v", err)
		}
		var rec map[string]any
		if err := json.Unmarshal(b, &rec); err != nil {
			return Call{}, fmt.Errorf("invalid json: %v", err)
		}
		key, _ := rec["fileUuid"].(string)
		return Call{Kind: KindResult, Key: key, Record: rec}, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return Call{}, fmt.Errorf("parse multipart: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return Call{}, fmt.Errorf("missing file part: %v", err)
		}
		defer func() {
			_ = f.Close()
		}()
		b, err := io.ReadAll(f)
		if err != nil {
			return Call{}, fmt.Errorf("read file part: %v", err)
		}
		call := Call{
			Kind:     KindArchive,
			Key:      r.FormValue("uuid"),
			Filename: hdr.Filename,
			MIMEType: hdr.Header.Get("Content-Type"),
			Bytes:    b,
		}
		if call.Key != "" {
			call.Kind = KindUpload
		}
		return call, nil
	default:
		return Call{}, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func (s *Server) persist(c Call) error {
	if s.uploadDir == "" {
		return nil
	}
	dir := "archive"
	if c.Key != "" {
		dir = c.Key
	}
	name := filepath.Base(filepath.Clean("/" + c.Filename))
	if name == "/" || name == "." {
		name = "attachment"
	}
	dst := filepath.Join(s.uploadDir, dir, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, c.Bytes, 0644)
}
