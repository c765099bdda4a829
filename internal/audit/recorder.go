package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeBestEffort Mode = "best_effort"
)

// Record is one committed mutation to be audited.
type Record struct {
	Actor        domain.Actor
	Action       domain.Action
	ResourceType string
	ResourceID   string
	Before       domain.Snapshot
	After        domain.Snapshot
	Operation    string
	Params       map[string]string
}

type Recorder struct {
	tx     db.TxRunner
	store  Store
	outbox Outbox
	mode   Mode
	now    func() time.Time
	log    zerolog.Logger
}

func NewRecorder(tx db.TxRunner, store Store, outbox Outbox, mode Mode, log zerolog.Logger) *Recorder {
	return &Recorder{
		tx:     tx,
		store:  store,
		outbox: outbox,
		mode:   mode,
		now:    time.Now,
		log:    log,
	}
}

// WithClock replaces the wall clock used for timestamps.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) Mode() Mode {
	return r.mode
}

// Record writes one entry inside the unit of work carried by ctx. The
// per-resource sequence is taken in that unit of work before the append,
// which runs in a nested transaction. In best effort mode a failed append
// then falls back to the outbox carrying the sequence it already holds, so
// delivery order never changes the resource's ordering. In strict mode the
// failure is returned and the caller must roll back.
func (r *Recorder) Record(ctx context.Context, in Record) (*domain.AuditEntry, error) {
	if err := validateRecord(in); err != nil {
		return nil, err
	}

	origin := OriginFrom(ctx)
	if in.Operation != "" {
		origin.Operation = in.Operation
	}
	if len(in.Params) > 0 {
		params := make(map[string]string, len(origin.Params)+len(in.Params))
		for k, v := range origin.Params {
			params[k] = v
		}
		for k, v := range in.Params {
			params[k] = v
		}
		origin.Params = params
	}

	entry := &domain.AuditEntry{
		ID:           uuid.New(),
		RecordedAt:   r.now().UTC().Truncate(time.Microsecond),
		Actor:        in.Actor,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		Diff:         ComputeDiff(in.Before, in.After),
		Origin:       origin,
	}

	var appendErr error
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		seq, err := r.store.NextSequence(ctx, entry.ResourceType, entry.ResourceID)
		if err != nil {
			return &domain.StorageError{Op: "allocate audit sequence", Err: err}
		}
		entry.Sequence = seq

		appendErr = r.tx.InTx(ctx, func(ctx context.Context) error {
			return r.store.Append(ctx, entry)
		})
		if appendErr == nil {
			return nil
		}
		if r.mode != ModeBestEffort || r.outbox == nil {
			return &domain.StorageError{Op: "append audit entry", Err: appendErr}
		}
		if qerr := r.outbox.Enqueue(ctx, *entry); qerr != nil {
			return &domain.StorageError{Op: "queue audit entry", Err: errors.Join(appendErr, qerr)}
		}
		return nil
	})
	if err != nil {
		var serr *domain.StorageError
		if !errors.As(err, &serr) {
			err = &domain.StorageError{Op: "append audit entry", Err: err}
		}
		return nil, err
	}

	if appendErr != nil {
		r.log.Warn().
			Err(appendErr).
			Str("entry_id", entry.ID.String()).
			Str("resource_type", entry.ResourceType).
			Str("resource_id", entry.ResourceID).
			Int64("sequence", entry.Sequence).
			Msg("audit append failed, entry queued for relay")
	}
	return entry, nil
}

func validateRecord(in Record) error {
	switch {
	case in.Actor.ID == "":
		return &domain.ValidationError{Field: "actor", Reason: "actor id is required"}
	case in.Actor.Role == "":
		return &domain.ValidationError{Field: "actor", Reason: "actor role is required"}
	case in.Action == "":
		return &domain.ValidationError{Field: "action", Reason: "action is required"}
	case in.ResourceType == "":
		return &domain.ValidationError{Field: "resource_type", Reason: "resource type is required"}
	case in.ResourceID == "":
		return &domain.ValidationError{Field: "resource_id", Reason: "resource id is required"}
	}
	return nil
}
