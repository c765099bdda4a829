package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

var testActor = domain.Actor{ID: "u-1", Name: "Dana Reyes", Email: "dana@clinic.test", Role: domain.RoleReceptionist}

// flakyStore fails the next n appends.
type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.fails = n
	f.mu.Unlock()
}

func (f *flakyStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("audit table unavailable")
	}
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, e)
}

// brokenOutbox rejects every enqueue.
type brokenOutbox struct{ Outbox }

func (brokenOutbox) Enqueue(context.Context, domain.AuditEntry) error {
	return errors.New("outbox unavailable")
}

func newFlaky() (*flakyStore, *db.MemTxRunner) {
	return &flakyStore{MemoryStore: NewMemoryStore()}, db.NewMemTxRunner()
}

func appointmentRecord(id string, before, after domain.Snapshot) Record {
	return Record{
		Actor:        testActor,
		Action:       domain.ActionUpdate,
		ResourceType: domain.ResourceAppointment,
		ResourceID:   id,
		Before:       before,
		After:        after,
		Operation:    "updateAppointment",
	}
}

func TestRecorderAssignsGapFreeSequence(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeStrict, zerolog.Nop())
	ctx := context.Background()

	first, err := rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
	require.NoError(t, err)
	second, err := rec.Record(ctx, appointmentRecord("a-1", domain.Snapshot{"status": "SCHEDULED"}, domain.Snapshot{"status": "CONFIRMED"}))
	require.NoError(t, err)
	other, err := rec.Record(ctx, appointmentRecord("a-2", nil, domain.Snapshot{"status": "SCHEDULED"}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(1), other.Sequence)
	assert.Greater(t, second.Position, first.Position)

	history, err := store.History(ctx, domain.ResourceAppointment, "a-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.Diff{"status": {Old: "SCHEDULED", New: "CONFIRMED"}}, history[1].Diff)
}

func TestRecorderCopiesOrigin(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeStrict, zerolog.Nop())
	ctx := WithOrigin(context.Background(), domain.Origin{IP: "10.0.0.7", Params: map[string]string{"request_id": "r-1"}})

	in := appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"})
	in.Params = map[string]string{"id": "a-1"}
	entry, err := rec.Record(ctx, in)

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", entry.Origin.IP)
	assert.Equal(t, "updateAppointment", entry.Origin.Operation)
	assert.Equal(t, map[string]string{"request_id": "r-1", "id": "a-1"}, entry.Origin.Params)
}

func TestRecorderRejectsIncompleteRecord(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeStrict, zerolog.Nop())

	in := appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"})
	in.Actor = domain.Actor{}
	_, err := rec.Record(context.Background(), in)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "actor", verr.Field)
}

func TestStrictModeRollsBackMutation(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeStrict, zerolog.Nop())
	store.failNext(1)

	mutated := false
	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		db.OnCommit(ctx, func() { mutated = true })
		_, err := rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
		return err
	})

	var serr *domain.StorageError
	require.ErrorAs(t, err, &serr)
	assert.False(t, mutated)
	assert.Equal(t, 0, store.OutboxLen())

	latest, err := store.LatestPosition(context.Background())
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestBestEffortModeQueuesEntry(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeBestEffort, zerolog.Nop())
	store.failNext(1)

	mutated := false
	var queued *domain.AuditEntry
	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		db.OnCommit(ctx, func() { mutated = true })
		var err error
		queued, err = rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
		return err
	})

	require.NoError(t, err)
	assert.True(t, mutated)
	assert.Equal(t, int64(1), queued.Sequence, "sequence is reserved before the append")
	assert.Equal(t, 1, store.OutboxLen())

	history, err := store.History(context.Background(), domain.ResourceAppointment, "a-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	relay := NewRelay(tx, store, store, RelayConfig{InitialDelay: time.Millisecond}, zerolog.Nop())
	delivered, failed, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Zero(t, failed)
	assert.Equal(t, 0, store.OutboxLen())

	history, err = store.History(context.Background(), domain.ResourceAppointment, "a-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, queued.ID, history[0].ID)
	assert.Equal(t, int64(1), history[0].Sequence)
}

func TestQueuedEntryKeepsItsPlaceInResourceOrder(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeBestEffort, zerolog.Nop())
	ctx := context.Background()
	record := func(in Record) *domain.AuditEntry {
		t.Helper()
		var entry *domain.AuditEntry
		require.NoError(t, tx.InTx(ctx, func(ctx context.Context) error {
			var err error
			entry, err = rec.Record(ctx, in)
			return err
		}))
		return entry
	}

	store.failNext(1)
	create := appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"})
	create.Action = domain.ActionCreate
	queued := record(create)

	confirm := appointmentRecord("a-1", domain.Snapshot{"status": "SCHEDULED"}, domain.Snapshot{"status": "CONFIRMED"})
	confirm.Action = domain.ActionTransition
	direct := record(confirm)

	assert.Equal(t, int64(1), queued.Sequence)
	assert.Equal(t, int64(2), direct.Sequence)

	relay := NewRelay(tx, store, store, RelayConfig{InitialDelay: time.Millisecond}, zerolog.Nop())
	delivered, _, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	history, err := store.History(ctx, domain.ResourceAppointment, "a-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionCreate, history[0].Action)
	assert.Equal(t, int64(1), history[0].Sequence)
	assert.Equal(t, domain.ActionTransition, history[1].Action)
	assert.Equal(t, int64(2), history[1].Sequence)

	// the next entry continues after both
	third := record(appointmentRecord("a-1", domain.Snapshot{"reason": "a"}, domain.Snapshot{"reason": "b"}))
	assert.Equal(t, int64(3), third.Sequence)
}

func TestStrictFailureReleasesSequence(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, store, ModeStrict, zerolog.Nop())
	ctx := context.Background()

	store.failNext(1)
	err := tx.InTx(ctx, func(ctx context.Context) error {
		_, err := rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
		return err
	})
	require.Error(t, err)

	entry, err := rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Sequence)
}

func TestBestEffortFailsWhenOutboxFails(t *testing.T) {
	store, tx := newFlaky()
	rec := NewRecorder(tx, store, brokenOutbox{Outbox: store}, ModeBestEffort, zerolog.Nop())
	store.failNext(1)

	mutated := false
	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		db.OnCommit(ctx, func() { mutated = true })
		_, err := rec.Record(ctx, appointmentRecord("a-1", nil, domain.Snapshot{"status": "SCHEDULED"}))
		return err
	})

	var serr *domain.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "queue audit entry", serr.Op)
	assert.False(t, mutated)
}
