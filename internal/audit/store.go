package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// ErrDuplicateEntry is returned by Append when the entry id is already stored.
var ErrDuplicateEntry = errors.New("audit entry already recorded")

// Store is the append-only audit log. Write methods join the unit of work on ctx.
type Store interface {
	NextSequence(ctx context.Context, resourceType, resourceID string) (int64, error)
	Append(ctx context.Context, e *domain.AuditEntry) error

	LatestPosition(ctx context.Context) (int64, error)
	Find(ctx context.Context, q Query) ([]domain.AuditEntry, int, error)
	History(ctx context.Context, resourceType, resourceID string) ([]domain.AuditEntry, error)
	Aggregate(ctx context.Context, since, todayStart time.Time, loc *time.Location) (Aggregates, error)
}

// Outbox holds entries whose direct write failed in best effort mode.
type Outbox interface {
	Enqueue(ctx context.Context, e domain.AuditEntry) error
	Pending(ctx context.Context, now time.Time, limit int) ([]PendingEntry, error)
	Delivered(ctx context.Context, id uuid.UUID) error
	Failed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error
}

type PendingEntry struct {
	Entry    domain.AuditEntry
	Attempts int
}

// Filter narrows the audit log. Every set field must match.
type Filter struct {
	Action       domain.Action
	ResourceType string
	ResourceID   string
	ActorText    string    // actor name or email, case-insensitive substring
	FreeText     string    // actor identity or resource id, case-insensitive substring
	From         time.Time // inclusive, zero for open
	To           time.Time // exclusive, zero for open
}

type Query struct {
	Filter
	MaxPosition int64 // 0 for no bound
	Offset      int
	Limit       int // 0 for no limit
	Ascending   bool
}

type Aggregates struct {
	PerDay         map[string]int // keyed by YYYY-MM-DD in the clinic zone
	ByResourceType map[string]int
	ByAction       map[string]int
	EntriesToday   int
	ActorsToday    int
}

func (f Filter) Matches(e domain.AuditEntry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.From.IsZero() && e.RecordedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.RecordedAt.Before(f.To) {
		return false
	}
	if f.ActorText != "" && !containsFold(f.ActorText, e.Actor.Name, e.Actor.Email) {
		return false
	}
	if f.FreeText != "" && !containsFold(f.FreeText, e.Actor.ID, e.Actor.Name, e.Actor.Email, e.ResourceID) {
		return false
	}
	return true
}

func containsFold(needle string, haystacks ...string) bool {
	needle = strings.ToLower(needle)
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

// sortEntries orders by (recorded_at, sequence, position), newest first unless ascending.
func sortEntries(entries []domain.AuditEntry, ascending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		c := compareEntries(entries[i], entries[j])
		if ascending {
			return c < 0
		}
		return c > 0
	})
}

func compareEntries(a, b domain.AuditEntry) int {
	switch {
	case a.RecordedAt.Before(b.RecordedAt):
		return -1
	case a.RecordedAt.After(b.RecordedAt):
		return 1
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	case a.Position < b.Position:
		return -1
	case a.Position > b.Position:
		return 1
	}
	return 0
}
