// Package mailparse decodes raw RFC 822 messages into attachment.Message values.
package mailparse

import (
	"fmt"
	"strings"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
)

const (
	BackendEnmime    = "enmime"
	BackendGoMessage = "gomessage"
)

// Parser decodes a complete raw message.
type Parser interface {
	Parse(raw []byte) (attachment.Message, error)
}

// New returns the parser registered under name. An empty name selects enmime.
func New(name string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendEnmime:
		return Enmime{}, nil
	case BackendGoMessage, "go-message":
		return GoMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown MIME parser %q (expected %s|%s)", name, BackendEnmime, BackendGoMessage)
	}
}

// NormalizeMessageID strips one leading '<' and one trailing '>' from a Message-ID
// header value. An absent header yields "".
func NormalizeMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
