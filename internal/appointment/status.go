package appointment

import (
	"time"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusScheduled: {domain.StatusConfirmed, domain.StatusCancelled, domain.StatusNoShow},
	domain.StatusConfirmed: {domain.StatusCompleted, domain.StatusCancelled, domain.StatusNoShow},
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions lists the statuses reachable from s in one step.
func AllowedTransitions(s domain.Status) []domain.Status {
	out := make([]domain.Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// closeOutWindow is the completion policy: an appointment completed before its
// scheduled start is moved to start now, so its duration never goes negative.
func closeOutWindow(w domain.Window, now time.Time) domain.Window {
	if w.Start.After(now) {
		w.Start = now
	}
	return w
}
