package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intake-router/internal/domain"
	"intake-router/internal/integrations/triage"
)

var testNow = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

type mockTenants struct {
	byAddress   map[string]domain.Tenant
	fallback    *domain.Tenant
	lookupErr   error
	fallbackErr error
	lookups     []string
}

func (m *mockTenants) GetByAddress(_ context.Context, address string) (domain.Tenant, error) {
	m.lookups = append(m.lookups, address)
	if m.lookupErr != nil {
		return domain.Tenant{}, m.lookupErr
	}
	t, ok := m.byAddress[address]
	if !ok {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return t, nil
}

func (m *mockTenants) FirstEnabled(_ context.Context, _ string) (domain.Tenant, error) {
	if m.fallbackErr != nil {
		return domain.Tenant{}, m.fallbackErr
	}
	if m.fallback == nil {
		return domain.Tenant{}, domain.ErrTenantNotFound
	}
	return *m.fallback, nil
}

type mockSessions struct {
	session    domain.Session
	resolveErr error

	appended     []domain.Turn
	appendErr    error
	appendErrAt  int // 1-based call index that fails; 0 = use appendErr always
	appendCalls  int
	transcript   []domain.Turn
	readErr      error
	saved        *domain.Session
	saveErr      error
	marked       []string
	markErr      error
	resolveCalls int
}

func (m *mockSessions) ResolveActive(_ context.Context, _, _ string, _ time.Time) (domain.Session, error) {
	m.resolveCalls++
	return m.session, m.resolveErr
}

func (m *mockSessions) AppendTurn(_ context.Context, _ string, turn domain.Turn) error {
	m.appendCalls++
	if m.appendErrAt != 0 {
		if m.appendCalls == m.appendErrAt {
			return m.appendErr
		}
	} else if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, turn)
	return nil
}

func (m *mockSessions) Transcript(_ context.Context, _ string) ([]domain.Turn, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	return append(append([]domain.Turn{}, m.transcript...), m.appended...), nil
}

func (m *mockSessions) SaveState(_ context.Context, s domain.Session) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = &s
	return nil
}

func (m *mockSessions) MarkAppointmentCreated(_ context.Context, s domain.Session) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.marked = append(m.marked, s.ID)
	return nil
}

type mockTriage struct {
	result   domain.TriageResult
	err      error
	captured *domain.TriageRequest
	calls    int
}

func (m *mockTriage) Analyze(_ context.Context, req domain.TriageRequest) (domain.TriageResult, error) {
	m.calls++
	m.captured = &req
	return m.result, m.err
}

type mockAppointments struct {
	err      error
	requests []domain.AppointmentRequest
}

func (m *mockAppointments) Dispatch(_ context.Context, req domain.AppointmentRequest) error {
	m.requests = append(m.requests, req)
	return m.err
}

func hospital() domain.Tenant {
	return domain.Tenant{ID: "tenant-1", Name: "General Hospital", Address: "15559876543", OrgType: "hospital", Enabled: true}
}

func freshSession() domain.Session {
	return domain.Session{
		ID:                "sess-1",
		TenantID:          "tenant-1",
		Sender:            "15551234567",
		ConversationState: domain.StateGreeting,
		CreatedAt:         testNow,
		LastMessageAt:     testNow,
	}
}

func inbound(body string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:    domain.ChannelJSON,
		From:       "15551234567",
		To:         "15559876543",
		Body:       body,
		ExternalID: "MID-1",
	}
}

func newTestService(t *testing.T, tenants *mockTenants, sessions *mockSessions, engine *mockTriage, appts *mockAppointments) *IntakeService {
	t.Helper()
	svc, err := NewIntakeService(tenants, sessions, engine, appts)
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc
}

func matchedTenants() *mockTenants {
	return &mockTenants{byAddress: map[string]domain.Tenant{"15559876543": hospital()}}
}

func expectIntakeError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewIntakeService_ValidatesDependencies(t *testing.T) {
	_, err := NewIntakeService(nil, &mockSessions{}, &mockTriage{}, &mockAppointments{})
	require.Error(t, err)

	_, err = NewIntakeService(&mockTenants{}, nil, &mockTriage{}, &mockAppointments{})
	require.Error(t, err)

	_, err = NewIntakeService(&mockTenants{}, &mockSessions{}, nil, &mockAppointments{})
	require.Error(t, err)

	_, err = NewIntakeService(&mockTenants{}, &mockSessions{}, &mockTriage{}, nil)
	require.Error(t, err)
}

func TestHandle_FeverScenario_NewSession(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{Response: "Sorry to hear that. How long have you had it?", NewState: "collecting"}}
	appts := &mockAppointments{}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	out, err := svc.Handle(context.Background(), inbound("I have a fever"))
	require.NoError(t, err)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, "collecting", out.ConversationState)
	require.Equal(t, "Sorry to hear that. How long have you had it?", out.Reply)

	// Inbound patient turn first, assistant turn second: append-only, one each.
	require.Len(t, sessions.appended, 2)
	require.Equal(t, domain.RolePatient, sessions.appended[0].Role)
	require.Equal(t, "I have a fever", sessions.appended[0].Content)
	require.Equal(t, "MID-1", sessions.appended[0].ExternalID)
	require.Equal(t, domain.RoleAssistant, sessions.appended[1].Role)
	require.True(t, sessions.appended[1].Timestamp.After(sessions.appended[0].Timestamp))

	// Triage request carried session context and the transcript with the
	// freshly appended patient turn.
	require.Equal(t, "sess-1", engine.captured.SessionID)
	require.Equal(t, "tenant-1", engine.captured.TenantID)
	require.Equal(t, domain.StateGreeting, engine.captured.ConversationState)
	require.Len(t, engine.captured.Transcript, 1)

	require.NotNil(t, sessions.saved)
	require.Equal(t, "collecting", sessions.saved.ConversationState)
	require.Equal(t, testNow, sessions.saved.LastMessageAt)

	// No symptoms and no triage level yet: no appointment.
	require.Empty(t, sessions.marked)
	require.Empty(t, appts.requests)
}

func TestHandle_ModerateTriage_FiresAppointmentOnce(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{
		Response:      "I can book you in.",
		Symptoms:      map[string]string{"fever": "38.5C"},
		TriageLevel:   "MODERATE",
		PreferredDate: "2026-08-02",
		PreferredTime: "09:30",
	}}
	appts := &mockAppointments{}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	_, err := svc.Handle(context.Background(), inbound("still feverish"))
	require.NoError(t, err)

	require.Equal(t, []string{"sess-1"}, sessions.marked)
	require.Len(t, appts.requests, 1)

	req := appts.requests[0]
	require.Equal(t, "sess-1", req.SessionID)
	require.Equal(t, "tenant-1", req.TenantID)
	require.Equal(t, "15551234567", req.PatientPhone)
	require.Equal(t, "MODERATE", req.TriageLevel)
	require.Equal(t, "2026-08-02", req.PreferredDate)
	require.Equal(t, "09:30", req.PreferredTime)
	require.Len(t, req.Transcript, 2)

	// Preferred slot is transient: never persisted to the session.
	require.NotNil(t, sessions.saved)
	require.Equal(t, "MODERATE", sessions.saved.TriageLevel)
}

func TestHandle_CriticalTriage_NeverFires(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{
		Response:    "Please call emergency services now.",
		Symptoms:    map[string]string{"chest pain": "crushing"},
		TriageLevel: domain.TriageCritical,
	}}
	appts := &mockAppointments{}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	_, err := svc.Handle(context.Background(), inbound("chest pain"))
	require.NoError(t, err)
	require.Empty(t, sessions.marked)
	require.Empty(t, appts.requests)
}

func TestHandle_AppointmentAlreadyCreated_SnapshotBlocksRefire(t *testing.T) {
	session := freshSession()
	session.AppointmentCreated = true
	sessions := &mockSessions{session: session}
	engine := &mockTriage{result: domain.TriageResult{
		Response:          "You're already booked.",
		CreateAppointment: true,
		Symptoms:          map[string]string{"fever": "38.5C"},
		TriageLevel:       "MODERATE",
	}}
	appts := &mockAppointments{}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	_, err := svc.Handle(context.Background(), inbound("book me"))
	require.NoError(t, err)
	require.Empty(t, sessions.marked)
	require.Empty(t, appts.requests)
}

func TestHandle_AppointmentCASLost_SkipsDispatch(t *testing.T) {
	sessions := &mockSessions{session: freshSession(), markErr: domain.ErrAppointmentAlreadyCreated}
	engine := &mockTriage{result: domain.TriageResult{Response: "ok", CreateAppointment: true}}
	appts := &mockAppointments{}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	out, err := svc.Handle(context.Background(), inbound("book me"))
	require.NoError(t, err)
	require.Equal(t, "ok", out.Reply)
	require.Empty(t, appts.requests)
}

func TestHandle_AppointmentDispatchFailureInvisible(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{Response: "booked", CreateAppointment: true}}
	appts := &mockAppointments{err: errors.New("scheduler down")}
	svc := newTestService(t, matchedTenants(), sessions, engine, appts)

	out, err := svc.Handle(context.Background(), inbound("book me"))
	require.NoError(t, err)
	require.Equal(t, "booked", out.Reply)
	require.Len(t, appts.requests, 1)
}

func TestHandle_TenantFallback_TriesSignPrefixedAddress(t *testing.T) {
	tenants := &mockTenants{byAddress: map[string]domain.Tenant{"+15559876543": hospital()}}
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{Response: "hi"}}
	svc := newTestService(t, tenants, sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	require.NoError(t, err)
	require.Equal(t, []string{"15559876543", "+15559876543"}, tenants.lookups)
}

func TestHandle_TenantFallback_FirstEnabledHospital(t *testing.T) {
	fallback := hospital()
	fallback.ID = "tenant-default"
	tenants := &mockTenants{byAddress: map[string]domain.Tenant{}, fallback: &fallback}
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{Response: "hi"}}
	svc := newTestService(t, tenants, sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	require.NoError(t, err)
	require.Equal(t, "tenant-default", engine.captured.TenantID)
}

func TestHandle_NoTenantAtAll_ShortCircuits(t *testing.T) {
	tenants := &mockTenants{byAddress: map[string]domain.Tenant{}}
	sessions := &mockSessions{session: freshSession()}
	svc := newTestService(t, tenants, sessions, &mockTriage{}, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	expectIntakeError(t, err, ErrorTenantNotFound, "no_tenant_for_address")
	require.Zero(t, sessions.resolveCalls, "no session may be touched")
	require.Zero(t, sessions.appendCalls)
}

func TestHandle_SessionResolveFailureIsFatal(t *testing.T) {
	sessions := &mockSessions{resolveErr: errors.New("constraint violation")}
	svc := newTestService(t, matchedTenants(), sessions, &mockTriage{}, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	expectIntakeError(t, err, ErrorInternal, "session_resolve_error")
}

func TestHandle_TriageFailure_InboundTurnAlreadyDurable(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{err: errors.New("engine down")}
	svc := newTestService(t, matchedTenants(), sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("I have a fever"))
	expectIntakeError(t, err, ErrorUpstream, "triage_error")

	// The patient turn was persisted before the failing call; the assistant
	// turn and state merge were not.
	require.Len(t, sessions.appended, 1)
	require.Equal(t, domain.RolePatient, sessions.appended[0].Role)
	require.Nil(t, sessions.saved)
}

func TestHandle_TriageRateLimited(t *testing.T) {
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{err: &triage.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}
	svc := newTestService(t, matchedTenants(), sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	expectIntakeError(t, err, ErrorRateLimited, "triage_rate_limited")
}

func TestHandle_SaveStateFailureIsFatal(t *testing.T) {
	sessions := &mockSessions{session: freshSession(), saveErr: errors.New("write failed")}
	engine := &mockTriage{result: domain.TriageResult{Response: "ok"}}
	svc := newTestService(t, matchedTenants(), sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	expectIntakeError(t, err, ErrorInternal, "session_save_error")
}

func TestHandle_OutboundAppendFailureIsFatal(t *testing.T) {
	sessions := &mockSessions{session: freshSession(), appendErr: errors.New("write failed"), appendErrAt: 2}
	engine := &mockTriage{result: domain.TriageResult{Response: "ok"}}
	svc := newTestService(t, matchedTenants(), sessions, engine, &mockAppointments{})

	_, err := svc.Handle(context.Background(), inbound("hello"))
	expectIntakeError(t, err, ErrorInternal, "transcript_append_error")
	require.Len(t, sessions.appended, 1)
}

func TestHandle_EmptyBodyStillRouted(t *testing.T) {
	// Lenient by design: a missing body is an empty patient turn, not an error.
	sessions := &mockSessions{session: freshSession()}
	engine := &mockTriage{result: domain.TriageResult{Response: "Hello! How can I help?"}}
	svc := newTestService(t, matchedTenants(), sessions, engine, &mockAppointments{})

	out, err := svc.Handle(context.Background(), inbound(""))
	require.NoError(t, err)
	require.Equal(t, "Hello! How can I help?", out.Reply)
	require.Len(t, sessions.appended, 2)
	require.Empty(t, sessions.appended[0].Content)
}
