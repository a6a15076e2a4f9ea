// Package codec converts attachment bytes to and from the text form carried in pipeline
// payloads and checkpoints.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeError reports malformed encoded content.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "decode error"
	}
	return fmt.Sprintf("decode base64 content at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Encode returns the padded standard base64 form of b.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode is the strict inverse of Encode. An empty string decodes to an empty,
// non-nil slice. Line breaks are rejected like any other character outside the alphabet.
func Decode(s string) ([]byte, error) {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return nil, &DecodeError{Offset: int64(i), Err: base64.CorruptInputError(i)}
	}
	out, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		var ce base64.CorruptInputError
		if errors.As(err, &ce) {
			return nil, &DecodeError{Offset: int64(ce), Err: err}
		}
		return nil, &DecodeError{Err: err}
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// ReadFully reads from r until expectedLength bytes have been consumed or the stream
// ends. A negative expectedLength reads to EOF. The result may be shorter than
// expectedLength; callers that need exactness compare lengths. The buffer grows with the
// bytes actually read, so a declared length never sizes an allocation.
func ReadFully(r io.Reader, expectedLength int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	if expectedLength >= 0 {
		r = io.LimitReader(r, expectedLength)
	}
	buf, err := io.ReadAll(r)
	if buf == nil {
		buf = []byte{}
	}
	if err != nil {
		return buf, fmt.Errorf("read raw stream: %w", err)
	}
	return buf, nil
}
