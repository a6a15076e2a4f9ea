package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/datastore"
)

const (
	kindRun  = "PipelineRun"
	kindStep = "PipelineStep"

	statusPending = "pending"
	statusDone    = "done"
)

type runEntity struct {
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type stepEntity struct {
	Value     []byte `datastore:",noindex"`
	UpdatedAt time.Time
}

// Datastore keeps checkpoints in Cloud Datastore. Steps are children of their run
// entity. Entity values are capped at about 1 MiB, which bounds the encoded size of a
// batch's attachments on this backend.
type Datastore struct {
	client *datastore.Client
}

func OpenDatastore(ctx context.Context, projectID string) (*Datastore, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("DATASTORE_PROJECT_ID is required for the datastore checkpoint backend")
	}
	client, err := datastore.NewClient(ctx, strings.TrimSpace(projectID))
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore client: %w", err)
	}
	return &Datastore{client: client}, nil
}

func runEntityKey(runID string) *datastore.Key {
	return datastore.NameKey(kindRun, runID, nil)
}

func stepEntityKey(runID, step string) *datastore.Key {
	return datastore.NameKey(kindStep, step, runEntityKey(runID))
}

func (d *Datastore) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	if err := validate(runID, step); err != nil {
		return nil, false, err
	}
	var ent stepEntity
	if err := d.client.Get(ctx, stepEntityKey(runID, step), &ent); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if ent.Value == nil {
		ent.Value = []byte{}
	}
	return ent.Value, true, nil
}

func (d *Datastore) Put(ctx context.Context, runID, step string, value []byte) error {
	if err := validate(runID, step); err != nil {
		return err
	}
	ent := &stepEntity{Value: value, UpdatedAt: time.Now()}
	if _, err := d.client.Put(ctx, stepEntityKey(runID, step), ent); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

func (d *Datastore) MarkPending(ctx context.Context, runID string) error {
	if err := validate(runID, "pending"); err != nil {
		return err
	}
	key := runEntityKey(runID)
	_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var ent runEntity
		err := tx.Get(key, &ent)
		if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		now := time.Now()
		if ent.CreatedAt.IsZero() {
			ent.CreatedAt = now
		}
		ent.Status = statusPending
		ent.UpdatedAt = now
		_, err = tx.Put(key, &ent)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark run pending: %w", err)
	}
	return nil
}

func (d *Datastore) MarkDone(ctx context.Context, runID string) error {
	key := runEntityKey(runID)
	_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var ent runEntity
		if err := tx.Get(key, &ent); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return nil
			}
			return err
		}
		ent.Status = statusDone
		ent.UpdatedAt = time.Now()
		_, err := tx.Put(key, &ent)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark run done: %w", err)
	}
	return nil
}

func (d *Datastore) Pending(ctx context.Context) ([]string, error) {
	q := datastore.NewQuery(kindRun).
		FilterField("Status", "=", statusPending).
		KeysOnly()
	keys, err := d.client.GetAll(ctx, q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.Name)
	}
	return ids, nil
}

func (d *Datastore) Close() error {
	return d.client.Close()
}
