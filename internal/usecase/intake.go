package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"intake-router/internal/domain"
)

// fallbackOrgType is the org type consulted when no tenant owns the recipient
// address. Routing to "any hospital" is a soft-landing policy, not a
// guarantee; see the tenant repository for how to disable it.
const fallbackOrgType = "hospital"

type TenantDirectory interface {
	GetByAddress(ctx context.Context, address string) (domain.Tenant, error)
	FirstEnabled(ctx context.Context, orgType string) (domain.Tenant, error)
}

type SessionStore interface {
	ResolveActive(ctx context.Context, tenantID, sender string, now time.Time) (domain.Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error
	Transcript(ctx context.Context, sessionID string) ([]domain.Turn, error)
	SaveState(ctx context.Context, s domain.Session) error
	MarkAppointmentCreated(ctx context.Context, s domain.Session) error
}

type TriageEngine interface {
	Analyze(ctx context.Context, req domain.TriageRequest) (domain.TriageResult, error)
}

type AppointmentDispatcher interface {
	Dispatch(ctx context.Context, req domain.AppointmentRequest) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// IntakeService routes one inbound message through tenant resolution, session
// resolution, the triage call, the state merge, and the appointment gate.
type IntakeService struct {
	tenants      TenantDirectory
	sessions     SessionStore
	triage       TriageEngine
	appointments AppointmentDispatcher
	now          func() time.Time
}

type IntakeOutput struct {
	Reply             string
	SessionID         string
	ConversationState string
}

func NewIntakeService(tenants TenantDirectory, sessions SessionStore, triage TriageEngine, appointments AppointmentDispatcher) (*IntakeService, error) {
	if tenants == nil {
		return nil, errors.New("usecase: tenant directory must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if triage == nil {
		return nil, errors.New("usecase: triage engine must not be nil")
	}
	if appointments == nil {
		return nil, errors.New("usecase: appointment dispatcher must not be nil")
	}
	return &IntakeService{
		tenants:      tenants,
		sessions:     sessions,
		triage:       triage,
		appointments: appointments,
		now:          time.Now,
	}, nil
}

// Handle processes one normalized inbound message end to end and returns the
// reply for the originating channel.
func (s *IntakeService) Handle(ctx context.Context, msg domain.InboundMessage) (IntakeOutput, error) {
	now := s.now().UTC()

	tenant, err := s.resolveTenant(ctx, msg.To)
	if err != nil {
		return IntakeOutput{}, err
	}

	session, err := s.sessions.ResolveActive(ctx, tenant.ID, msg.From, now)
	if err != nil {
		return IntakeOutput{}, newError(ErrorInternal, "session_resolve_error", err)
	}

	// The patient turn is durable before the triage call: a slow or failing
	// upstream never loses what the patient said.
	inbound := domain.Turn{
		Role:       domain.RolePatient,
		Content:    msg.Body,
		Timestamp:  now,
		ExternalID: msg.ExternalID,
	}
	if err := s.sessions.AppendTurn(ctx, session.ID, inbound); err != nil {
		return IntakeOutput{}, newError(ErrorInternal, "transcript_append_error", err)
	}

	transcript, err := s.sessions.Transcript(ctx, session.ID)
	if err != nil {
		return IntakeOutput{}, newError(ErrorInternal, "transcript_read_error", err)
	}

	result, err := s.triage.Analyze(ctx, domain.TriageRequest{
		SessionID:         session.ID,
		TenantID:          tenant.ID,
		From:              msg.From,
		Message:           msg.Body,
		ConversationState: session.ConversationState,
		Symptoms:          session.Symptoms,
		TriageLevel:       session.TriageLevel,
		PatientName:       session.PatientName,
		Transcript:        transcript,
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return IntakeOutput{}, newError(ErrorRateLimited, "triage_rate_limited", err)
		}
		return IntakeOutput{}, newError(ErrorUpstream, "triage_error", err)
	}

	merged := mergeSession(session, result, now)
	if err := s.sessions.SaveState(ctx, merged); err != nil {
		return IntakeOutput{}, newError(ErrorInternal, "session_save_error", err)
	}

	outbound := domain.Turn{
		Role:      domain.RoleAssistant,
		Content:   result.Response,
		Timestamp: now.Add(time.Millisecond), // keep assistant turn after the patient turn in key order
	}
	if err := s.sessions.AppendTurn(ctx, session.ID, outbound); err != nil {
		return IntakeOutput{}, newError(ErrorInternal, "transcript_append_error", err)
	}

	if shouldCreateAppointment(session.AppointmentCreated, merged, result) {
		s.fireAppointment(ctx, tenant, merged, result, append(transcript, outbound))
	}

	return IntakeOutput{
		Reply:             result.Response,
		SessionID:         session.ID,
		ConversationState: merged.ConversationState,
	}, nil
}

func (s *IntakeService) resolveTenant(ctx context.Context, address string) (domain.Tenant, error) {
	address = strings.TrimSpace(address)

	tenant, err := s.tenants.GetByAddress(ctx, address)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, domain.ErrTenantNotFound) {
		return domain.Tenant{}, newError(ErrorInternal, "tenant_lookup_error", err)
	}

	// Some transports keep the sign character in the stored address.
	tenant, err = s.tenants.GetByAddress(ctx, "+"+address)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, domain.ErrTenantNotFound) {
		return domain.Tenant{}, newError(ErrorInternal, "tenant_lookup_error", err)
	}

	tenant, err = s.tenants.FirstEnabled(ctx, fallbackOrgType)
	if err == nil {
		return tenant, nil
	}
	if errors.Is(err, domain.ErrTenantNotFound) {
		return domain.Tenant{}, newError(ErrorTenantNotFound, "no_tenant_for_address", nil)
	}
	return domain.Tenant{}, newError(ErrorInternal, "tenant_lookup_error", err)
}

// fireAppointment arbitrates the one-way flag and dispatches downstream.
// Dispatch failures are logged and never surfaced: the patient-facing flow
// must not depend on the scheduling service.
func (s *IntakeService) fireAppointment(ctx context.Context, tenant domain.Tenant, merged domain.Session, result domain.TriageResult, transcript []domain.Turn) {
	err := s.sessions.MarkAppointmentCreated(ctx, merged)
	if errors.Is(err, domain.ErrAppointmentAlreadyCreated) {
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "appointment flag update failed, skipping dispatch",
			"sessionId", merged.ID, "err", err)
		return
	}

	req := domain.AppointmentRequest{
		SessionID:     merged.ID,
		TenantID:      tenant.ID,
		PatientName:   merged.PatientName,
		PatientPhone:  merged.Sender,
		Symptoms:      merged.Symptoms,
		TriageLevel:   merged.TriageLevel,
		UrgencyScore:  merged.UrgencyScore,
		FirstAidGiven: merged.FirstAidGiven,
		PreferredDate: result.PreferredDate,
		PreferredTime: result.PreferredTime,
		Transcript:    transcript,
	}
	if err := s.appointments.Dispatch(ctx, req); err != nil {
		slog.WarnContext(ctx, "appointment dispatch failed",
			"sessionId", merged.ID, "tenantId", tenant.ID, "err", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
