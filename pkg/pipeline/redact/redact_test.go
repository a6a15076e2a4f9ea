package redact_test

import (
	"testing"

	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
)

func TestSecrets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "bearer", in: "auth failed: Bearer abc.def.ghi", want: "auth failed: Bearer <redacted>"},
		{name: "api key query", in: "GET /v1beta/models?key=AIzaSy123 failed", want: "GET /v1beta/models?<redacted_kv> failed"},
		{name: "access secret header", in: "CF-Access-Client-Secret: s3cr3t rejected", want: "CF-Access-Client-Secret: <redacted> rejected"},
		{name: "clean", in: "  upload failed: 500  ", want: "upload failed: 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact.Secrets(tt.in); got != tt.want {
				t.Fatalf("Secrets(%q)=%q want=%q", tt.in, got, tt.want)
			}
		})
	}
}
