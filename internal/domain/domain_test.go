package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowOverlapIsHalfOpen(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	w := Window{Start: at(0, 0), End: at(1, 0)}

	tests := []struct {
		name  string
		other Window
		want  bool
	}{
		{"identical", Window{at(0, 0), at(1, 0)}, true},
		{"partial tail", Window{at(0, 30), at(1, 30)}, true},
		{"partial head", Window{at(-1, 0), at(0, 1)}, true},
		{"contained", Window{at(0, 15), at(0, 45)}, true},
		{"adjacent after", Window{at(1, 0), at(2, 0)}, false},
		{"adjacent before", Window{at(-1, 0), at(0, 0)}, false},
		{"disjoint", Window{at(3, 0), at(4, 0)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Overlaps(tt.other))
			assert.Equal(t, tt.want, tt.other.Overlaps(w))
		})
	}
}

func TestNewWindowRejectsEmptyOrInverted(t *testing.T) {
	now := time.Now()

	_, err := NewWindow(now, now)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "window", ve.Field)

	_, err = NewWindow(now, now.Add(-time.Minute))
	require.ErrorAs(t, err, &ve)

	w, err := NewWindow(now, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, w.Duration())
}

func TestParseRoleCanonicalizes(t *testing.T) {
	for raw, want := range map[string]Role{
		"admin":       RoleAdmin,
		" Doctor ":    RoleDoctor,
		"ROLE_NURSE":  RoleNurse,
		"front-desk":  RoleReceptionist,
		"physician":   RoleDoctor,
		"patient":     RolePatient,
		"system":      RoleSystem,
	} {
		got, err := ParseRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseRole("janitor")
	assert.Error(t, err)
}

func TestParsePriorityDefaultsToNormal(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	p, err = ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestSnapshotDistinguishesUnsetNotes(t *testing.T) {
	a := Appointment{Status: StatusScheduled, Priority: PriorityNormal}
	_, ok := a.Snapshot()["notes"]
	assert.False(t, ok)

	empty := ""
	a.Notes = &empty
	v, ok := a.Snapshot()["notes"]
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestAsStorageErrorKeepsDomainErrors(t *testing.T) {
	nf := &NotFoundError{Resource: "appointment", ID: "x"}
	assert.Same(t, nf, AsStorageError("load", nf))

	wrapped := AsStorageError("load", fmt.Errorf("outer: %w", nf))
	var se *StorageError
	assert.False(t, errors.As(wrapped, &se))

	raw := errors.New("connection reset")
	err := AsStorageError("load", raw)
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, raw)
	assert.Nil(t, AsStorageError("load", nil))
}
