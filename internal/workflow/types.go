// Package workflow runs one message's attachments through decode, extraction, and
// publish as a sequence of checkpointed steps.
package workflow

import (
	"fmt"
	"strconv"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
)

// Step names as they appear in checkpoints and logs.
const (
	StepDecode  = "decode-attachments"
	StepProcess = "process-attachment-content"
	StepFinal   = "final-step"

	stepParams = "params"
	stepAbort  = "abort"
)

// Params is the payload submitted for one message.
type Params struct {
	AttachmentsData []attachment.Descriptor `json:"attachmentsData"`
	MessageID       string                  `json:"messageId"`
}

// State is the coarse position of a run.
type State string

const (
	StateDecoding   State = "decoding"
	StateExtracting State = "extracting"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

type ItemStatus string

const (
	ItemExtracted ItemStatus = "extracted"
	ItemSkipped   ItemStatus = "skipped"
	ItemFailed    ItemStatus = "failed"
)

// ItemResult is the per-attachment outcome of a run.
type ItemResult struct {
	Index    int            `json:"index"`
	Filename string         `json:"filename"`
	Status   ItemStatus     `json:"status"`
	Fields   extract.Fields `json:"fields,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
	Key      string         `json:"key,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// BatchResult is the outcome of one run.
type BatchResult struct {
	RunID     string       `json:"runId"`
	MessageID string       `json:"messageId"`
	State     State        `json:"state"`
	Items     []ItemResult `json:"items"`
	Error     string       `json:"error,omitempty"`
}

// Counts returns the number of items per status.
func (r BatchResult) Counts() map[ItemStatus]int {
	out := map[ItemStatus]int{}
	for _, it := range r.Items {
		out[it.Status]++
	}
	return out
}

// ReportHeader names the columns produced by BatchResult.Rows.
var ReportHeader = []string{
	"run_id", "message_id", "state", "index", "filename", "status", "key", "car_id", "attempts", "reason", "error",
}

// Rows flattens r into one report row per item. A run without items yields a single
// row carrying only the run columns.
func (r BatchResult) Rows() [][]string {
	if len(r.Items) == 0 {
		return [][]string{{r.RunID, r.MessageID, string(r.State), "", "", "", "", "", "", "", r.Error}}
	}
	rows := make([][]string, 0, len(r.Items))
	for _, it := range r.Items {
		rows = append(rows, []string{
			r.RunID,
			r.MessageID,
			string(r.State),
			strconv.Itoa(it.Index),
			it.Filename,
			string(it.Status),
			it.Key,
			it.Fields.CarID(),
			strconv.Itoa(it.Attempts),
			it.Reason,
			it.Error,
		})
	}
	return rows
}

// BatchDecodeError aborts a run when any descriptor fails to decode.
type BatchDecodeError struct {
	Index    int
	Filename string
	Err      error
}

func (e *BatchDecodeError) Error() string {
	return fmt.Sprintf("decode attachment %d (%q): %v", e.Index, e.Filename, e.Err)
}

func (e *BatchDecodeError) Unwrap() error {
	return e.Err
}
