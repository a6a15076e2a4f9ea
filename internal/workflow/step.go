package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shpitdev/mail-attachment-pipeline/internal/checkpoint"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/core"
)

// memo runs fn at most once per (runID, name) to completion. A stored output is decoded
// and returned without calling fn; failures are not stored. A stored output that no
// longer decodes is permanent so the worker does not retry it.
func memo[Out any](ctx context.Context, store checkpoint.Store, runID, name string, fn core.Step[Out]) (Out, bool, error) {
	var out Out
	b, ok, err := store.Get(ctx, runID, name)
	if err != nil {
		return out, false, fmt.Errorf("load step %s: %w", name, err)
	}
	if ok {
		if err := json.Unmarshal(b, &out); err != nil {
			return out, false, &core.PermanentError{Err: fmt.Errorf("decode step %s: %w", name, err)}
		}
		return out, true, nil
	}

	out, err = fn(ctx)
	if err != nil {
		return out, false, err
	}
	b, err = json.Marshal(out)
	if err != nil {
		return out, false, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := store.Put(ctx, runID, name, b); err != nil {
		return out, false, fmt.Errorf("save step %s: %w", name, err)
	}
	return out, false, nil
}
