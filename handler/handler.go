// Package handler is the Lambda-facing edge: it detects the originating
// transport, normalizes the payload, runs the intake pipeline, and shapes the
// reply for that transport. Every outcome, including internal failure, leaves
// as a well-formed acknowledgment so the calling webhook never sees a bare
// protocol error.
package handler

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"intake-router/internal/domain"
	"intake-router/internal/normalize"
	"intake-router/internal/usecase"
)

const (
	apologyText       = "Sorry, something went wrong on our side. Please try again in a moment."
	notConfiguredText = "This number is not configured for patient intake. Please contact your clinic directly."
)

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// intakeUseCase is the pipeline seam consumed by the handler.
type intakeUseCase interface {
	Handle(ctx context.Context, msg domain.InboundMessage) (usecase.IntakeOutput, error)
}

// OutboundReply carries the data a side-channel messenger needs to push the
// reply to the patient.
type OutboundReply struct {
	To        string
	From      string
	Body      string
	SessionID string
}

// ReplyMessenger delivers replies over a side channel (e.g. a messaging API)
// instead of the webhook return path. Optional: when absent, the form channel
// embeds the reply in the returned envelope.
type ReplyMessenger interface {
	SendReply(ctx context.Context, reply OutboundReply) error
}

type Handler struct {
	svc       intakeUseCase
	messenger ReplyMessenger
}

type Option func(*Handler)

// WithReplyMessenger switches the form channel to send-then-acknowledge: the
// reply goes out via the messenger and the returned envelope stays empty.
func WithReplyMessenger(m ReplyMessenger) Option {
	return func(h *Handler) {
		h.messenger = m
	}
}

func NewHandler(svc intakeUseCase, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle is the Lambda entrypoint for webhook deliveries from both transports.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (Response, error) {
	correlationID := headerValue(event.Headers, "X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	channel := detectChannel(event.Headers)

	msg, err := parseBody(channel, event.Body)
	if err != nil {
		slog.WarnContext(ctx, "unparseable webhook body", "channel", channel, "correlationId", correlationID, "err", err)
		return h.errorResponse(channel, correlationID, newBodyError(err)), nil
	}

	out, err := h.svc.Handle(ctx, msg)
	if err != nil {
		slog.ErrorContext(ctx, "intake pipeline failed", "channel", channel, "correlationId", correlationID, "err", err)
		return h.errorResponse(channel, correlationID, err), nil
	}

	return h.successResponse(ctx, channel, correlationID, msg, out), nil
}

func detectChannel(headers map[string]string) domain.Channel {
	ct := strings.ToLower(headerValue(headers, "Content-Type"))
	if strings.Contains(ct, "application/x-www-form-urlencoded") {
		return domain.ChannelForm
	}
	return domain.ChannelJSON
}

func parseBody(channel domain.Channel, body string) (domain.InboundMessage, error) {
	if channel == domain.ChannelForm {
		return normalize.ParseForm(body)
	}
	return normalize.ParseJSON(body)
}

func newBodyError(err error) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unparseable_body", Err: err}
}

// successReply is the JSON channel's acknowledgment shape.
type successReply struct {
	Success           bool   `json:"success"`
	Response          string `json:"response"`
	ConversationID    string `json:"conversationId,omitempty"`
	ConversationState string `json:"conversationState,omitempty"`
}

// errorReply carries error detail only on the JSON channel; the form channel
// never sees it.
type errorReply struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Response string `json:"response"`
}

// twimlEnvelope is the minimal markup acknowledgment for the form channel.
type twimlEnvelope struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func (h *Handler) successResponse(ctx context.Context, channel domain.Channel, correlationID string, msg domain.InboundMessage, out usecase.IntakeOutput) Response {
	if channel == domain.ChannelJSON {
		return jsonResponse(correlationID, successReply{
			Success:           true,
			Response:          out.Reply,
			ConversationID:    out.SessionID,
			ConversationState: out.ConversationState,
		})
	}

	// Send-then-acknowledge when a side channel is wired; otherwise the
	// reply rides back in the envelope.
	if h.messenger != nil {
		err := h.messenger.SendReply(ctx, OutboundReply{
			To:        msg.From,
			From:      msg.To,
			Body:      out.Reply,
			SessionID: out.SessionID,
		})
		if err != nil {
			slog.WarnContext(ctx, "side-channel reply failed", "correlationId", correlationID, "sessionId", out.SessionID, "err", err)
		}
		return twimlResponse(correlationID, "")
	}
	return twimlResponse(correlationID, out.Reply)
}

func (h *Handler) errorResponse(channel domain.Channel, correlationID string, err error) Response {
	code := errorCode(err)
	text := apologyText
	if code == usecase.ErrorTenantNotFound {
		text = notConfiguredText
	}

	if channel == domain.ChannelJSON {
		return jsonResponse(correlationID, errorReply{
			Success:  false,
			Error:    string(code),
			Response: text,
		})
	}
	return twimlResponse(correlationID, text)
}

func errorCode(err error) usecase.ErrorCode {
	var usecaseErr *usecase.Error
	if errors.As(err, &usecaseErr) {
		return usecaseErr.Code
	}
	return usecase.ErrorInternal
}

func jsonResponse(correlationID string, payload any) Response {
	body, err := json.Marshal(payload)
	if err != nil {
		// Marshal of these fixed shapes cannot realistically fail; keep the
		// acknowledgment contract anyway.
		body = []byte(`{"success":false,"error":"INTERNAL_ERROR","response":""}`)
	}
	return Response{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(body),
	}
}

func twimlResponse(correlationID, message string) Response {
	envelope, err := xml.Marshal(twimlEnvelope{Message: message})
	if err != nil {
		envelope = []byte("<Response></Response>")
	}
	return Response{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":     "text/xml",
			"X-Correlation-Id": correlationID,
		},
		Body: xml.Header + string(envelope),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
