package domain

// TriageRequest is the payload sent to the external reasoning service. It
// carries everything the service needs to continue a multi-turn intake without
// holding state of its own.
type TriageRequest struct {
	SessionID         string            `json:"sessionId"`
	TenantID          string            `json:"tenantId"`
	From              string            `json:"from"`
	Message           string            `json:"message"`
	ConversationState string            `json:"conversationState"`
	Symptoms          map[string]string `json:"symptoms,omitempty"`
	TriageLevel       string            `json:"triageLevel,omitempty"`
	PatientName       string            `json:"patientName,omitempty"`
	Transcript        []Turn            `json:"transcript"`
}

// TriageResult is the reasoning service's reply. Response is the only required
// field; every other field is an optional incremental update. Absent fields
// (empty strings, nil maps, nil pointers) leave the session value untouched.
type TriageResult struct {
	Response          string            `json:"response"`
	NewState          string            `json:"newState,omitempty"`
	Symptoms          map[string]string `json:"symptoms,omitempty"`
	TriageLevel       string            `json:"triageLevel,omitempty"`
	PatientName       string            `json:"patientName,omitempty"`
	UrgencyScore      *int              `json:"urgencyScore,omitempty"`
	FirstAid          *bool             `json:"firstAid,omitempty"`
	CreateAppointment bool              `json:"createAppointment,omitempty"`
	PreferredDate     string            `json:"preferredDate,omitempty"`
	PreferredTime     string            `json:"preferredTime,omitempty"`
}

// AppointmentRequest is the fire-and-forget payload for the downstream
// scheduling service. PreferredDate/PreferredTime are transient: read from the
// triage result for this request only, never persisted to the session.
type AppointmentRequest struct {
	SessionID     string            `json:"sessionId"`
	TenantID      string            `json:"tenantId"`
	PatientName   string            `json:"patientName,omitempty"`
	PatientPhone  string            `json:"patientPhone"`
	Symptoms      map[string]string `json:"symptoms,omitempty"`
	TriageLevel   string            `json:"triageLevel,omitempty"`
	UrgencyScore  *int              `json:"urgencyScore,omitempty"`
	FirstAidGiven *bool             `json:"firstAidGiven,omitempty"`
	PreferredDate string            `json:"preferredDate,omitempty"`
	PreferredTime string            `json:"preferredTime,omitempty"`
	Transcript    []Turn            `json:"transcript"`
}
