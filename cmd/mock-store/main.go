package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shpitdev/mail-attachment-pipeline/internal/mockstore"
)

func main() {
	addr := defaultString("MOCK_STORE_ADDR", ":8081")
	uploadDir := defaultString("MOCK_STORE_UPLOAD_DIR", "")
	clientID := defaultString("CF_ACCESS_CLIENT_ID", "")
	clientSecret := defaultString("CF_ACCESS_CLIENT_SECRET", "")

	fs := flag.NewFlagSet("mock-store", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory to persist uploaded files (empty keeps them in memory only)")
	fs.StringVar(&clientID, "client-id", clientID, "Required CF-Access-Client-Id value (empty disables the check)")
	fs.StringVar(&clientSecret, "client-secret", clientSecret, "Required CF-Access-Client-Secret value")
	_ = fs.Parse(os.Args[1:])

	srv := mockstore.New(uploadDir)
	srv.RequireAccess(clientID, clientSecret)

	_, _ = fmt.Fprintf(os.Stdout, "mock-store listening on %s (upload=%s)\n", addr, uploadDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
