package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleDoctor       Role = "DOCTOR"
	RoleNurse        Role = "NURSE"
	RoleReceptionist Role = "RECEPTIONIST"
	RolePatient      Role = "PATIENT"
	RoleSystem       Role = "SYSTEM"
)

var roleAliases = map[string]Role{
	"ADMIN":         RoleAdmin,
	"ADMINISTRATOR": RoleAdmin,
	"DOCTOR":        RoleDoctor,
	"PHYSICIAN":     RoleDoctor,
	"NURSE":         RoleNurse,
	"RECEPTIONIST":  RoleReceptionist,
	"FRONT_DESK":    RoleReceptionist,
	"PATIENT":       RolePatient,
	"SYSTEM":        RoleSystem,
}

// ParseRole canonicalizes a loosely formatted role claim. It is called once,
// where the actor enters the system; everything downstream carries the Role.
func ParseRole(raw string) (Role, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	key = strings.TrimPrefix(key, "ROLE_")
	if r, ok := roleAliases[key]; ok {
		return r, nil
	}
	return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", raw)}
}

type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// SystemActor is used for mutations not triggered by a person, like outbox redelivery.
var SystemActor = Actor{ID: "system", Name: "system", Role: RoleSystem}

type Action string

const (
	ActionCreate     Action = "CREATE"
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionTransition Action = "TRANSITION"
	ActionReschedule Action = "RESCHEDULE"
)

var Actions = []Action{ActionCreate, ActionUpdate, ActionDelete, ActionTransition, ActionReschedule}

func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", raw)}
}

// Snapshot is a flat field map of a resource at one point in time.
type Snapshot map[string]any

// Change holds the old and new value of one field. A nil side means the field
// was unset, which is distinct from an empty string.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type Diff map[string]Change

// Origin describes where a mutation came from.
type Origin struct {
	IP        string            `json:"ip,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type AuditEntry struct {
	ID           uuid.UUID `json:"id"`
	Position     int64     `json:"position"`
	Sequence     int64     `json:"sequence"`
	RecordedAt   time.Time `json:"recorded_at"`
	Actor        Actor     `json:"actor"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Diff         Diff      `json:"diff"`
	Origin       Origin    `json:"origin"`
}
