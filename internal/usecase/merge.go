package usecase

import (
	"time"

	"intake-router/internal/domain"
)

// mergeSession combines the triage result into the session field by field:
// a supplied value wins, an absent one (empty string, nil map, nil pointer)
// preserves what the session already holds. This is how a multi-turn triage
// service fills in a patient profile without resending known fields. The
// returned copy carries the request time as lastMessageAt; preferredDate and
// preferredTime are deliberately not part of the session.
func mergeSession(s domain.Session, result domain.TriageResult, now time.Time) domain.Session {
	merged := s
	if result.NewState != "" {
		merged.ConversationState = result.NewState
	}
	if result.Symptoms != nil {
		merged.Symptoms = result.Symptoms
	}
	if result.TriageLevel != "" {
		merged.TriageLevel = result.TriageLevel
	}
	if result.UrgencyScore != nil {
		merged.UrgencyScore = result.UrgencyScore
	}
	if result.FirstAid != nil {
		merged.FirstAidGiven = result.FirstAid
	}
	if result.PatientName != "" {
		merged.PatientName = result.PatientName
	}
	merged.LastMessageAt = now
	return merged
}

// shouldCreateAppointment is the one-shot gate, evaluated once per message
// against the pre-request appointmentCreated snapshot and the merged fields.
// The CRITICAL tier is escalated out-of-band and never auto-schedules; the
// store-level compare-and-set behind this check is what makes the decision
// safe under concurrent requests.
func shouldCreateAppointment(alreadyCreated bool, merged domain.Session, result domain.TriageResult) bool {
	if alreadyCreated {
		return false
	}
	if result.CreateAppointment {
		return true
	}
	return len(merged.Symptoms) > 0 &&
		merged.TriageLevel != "" &&
		merged.TriageLevel != domain.TriageCritical
}
