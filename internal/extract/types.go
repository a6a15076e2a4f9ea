package extract

import (
	"context"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
)

// Field names of the vehicle registration extraction schema.
const (
	FieldCarID              = "CarId"
	FieldExpiryEra          = "ValidPeriodExpirdateE"
	FieldExpiryYear         = "ValidPeriodExpirdateY"
	FieldExpiryMonth        = "ValidPeriodExpirdateM"
	FieldExpiryDay          = "ValidPeriodExpirdateD"
	FieldHasExpiryDate      = "IsValidPeriodExpirdate"
	FieldHasCarID           = "IsCarId"
	ExtractionFailedMessage = "Failed to generate content from attachments."
)

// Generator is the document-extraction collaborator. It returns the model's raw text,
// which is empty when the document is not the expected kind.
type Generator interface {
	Generate(ctx context.Context, att attachment.Attachment) (string, error)
}

// Fields is the decoded JSON object returned by the model. Every key the model
// produced is kept so the published record matches the response.
type Fields map[string]any

func (f Fields) String(name string) (string, bool) {
	v, ok := f[name].(string)
	return v, ok
}

func (f Fields) Bool(name string) (bool, bool) {
	v, ok := f[name].(bool)
	return v, ok
}

// CarID returns the chassis number, or "" when the model did not report one.
func (f Fields) CarID() string {
	v, _ := f.String(FieldCarID)
	return v
}

// HasCarID reports the model's presence flag for the chassis number.
func (f Fields) HasCarID() bool {
	v, _ := f.Bool(FieldHasCarID)
	return v
}

// ExpiryDate is the validity expiry date as printed: era name plus year, month, day.
type ExpiryDate struct {
	Era   string
	Year  string
	Month string
	Day   string
}

func (f Fields) ExpiryDate() ExpiryDate {
	era, _ := f.String(FieldExpiryEra)
	y, _ := f.String(FieldExpiryYear)
	m, _ := f.String(FieldExpiryMonth)
	d, _ := f.String(FieldExpiryDay)
	return ExpiryDate{Era: era, Year: y, Month: m, Day: d}
}

// HasExpiryDate reports the model's presence flag for the expiry date.
func (f Fields) HasExpiryDate() bool {
	v, _ := f.Bool(FieldHasExpiryDate)
	return v
}

// Result is the outcome of running the stage on one attachment.
type Result struct {
	Fields Fields `json:"fields,omitempty"`
	Text   string `json:"text,omitempty"`

	// Skipped is set when the attachment had no content and the model was not called.
	Skipped bool `json:"skipped,omitempty"`
	// Empty is set when the model answered with no text.
	Empty bool `json:"empty,omitempty"`
}

// Found reports whether the result should be published.
func (r Result) Found() bool {
	return !r.Skipped && !r.Empty && r.Fields != nil
}

// ExtractionError is returned for any collaborator failure. The message is fixed so the
// cause never reaches stored or published text; Unwrap keeps it available for retry
// classification.
type ExtractionError struct {
	Filename string
	Err      error
}

func (e *ExtractionError) Error() string {
	return ExtractionFailedMessage
}

func (e *ExtractionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
