package domain

import (
	"errors"
	"time"
)

// Conversation state tokens the router itself depends on. The state machine is
// otherwise owned by the triage service; anything it returns is stored as-is.
const (
	StateGreeting  = "greeting"
	StateCompleted = "completed"
)

// TriageCritical is the highest-severity tier. It is escalated out-of-band and
// must never auto-schedule a routine appointment.
const TriageCritical = "CRITICAL"

// ActiveWindow is the liveness window after which a non-completed session is
// treated as expired for lookup purposes without being deleted.
const ActiveWindow = 2 * time.Hour

// ErrAppointmentAlreadyCreated is returned by the store when the
// appointmentCreated compare-and-set loses to an earlier writer.
var ErrAppointmentAlreadyCreated = errors.New("appointment already created")

// Turn roles.
const (
	RolePatient   = "patient"
	RoleAssistant = "assistant"
)

// Turn is a single transcript entry. Turns are append-only; none is ever
// edited or removed.
type Turn struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ExternalID string    `json:"externalMessageId,omitempty"`
}

// Session is one bounded conversation between a tenant and an external sender.
// Clinical fields are independently unset until the triage service supplies
// them; an unset field is never overwritten with an absent update value.
type Session struct {
	ID                 string
	TenantID           string
	Sender             string
	ConversationState  string
	Symptoms           map[string]string
	TriageLevel        string
	UrgencyScore       *int
	FirstAidGiven      *bool
	PatientName        string
	AppointmentCreated bool
	CreatedAt          time.Time
	LastMessageAt      time.Time
}

// Active reports whether the session is live at the given instant: not
// completed and touched within the liveness window. Computed on read, never
// stored, so the entity cannot drift from the clock.
func (s Session) Active(now time.Time) bool {
	if s.ConversationState == StateCompleted {
		return false
	}
	return now.Sub(s.LastMessageAt) < ActiveWindow
}
