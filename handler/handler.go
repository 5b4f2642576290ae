// Package handler adapts API Gateway proxy events to the support service.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"support-agent/internal/domain"
	"support-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// statusClientClosedRequest is the de facto status for requests the caller
// abandoned.
const statusClientClosedRequest = 499

type SupportUseCase interface {
	HandleMessage(ctx context.Context, in domain.Inbound) (domain.Outbound, error)
	CloseSession(ctx context.Context, brandID, sessionID string) error
}

type Handler struct {
	uc     SupportUseCase
	logger *slog.Logger
}

type messageRequest struct {
	BrandID   string    `json:"brandId"`
	SessionID string    `json:"sessionId"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type messageResponse struct {
	SessionID string   `json:"sessionId"`
	Reply     string   `json:"reply"`
	Escalated bool     `json:"escalated"`
	Emotion   string   `json:"emotion"`
	ToolsUsed []string `json:"toolsUsed"`
	Citations []string `json:"citations"`
	State     string   `json:"state"`
}

type closeRequest struct {
	BrandID   string `json:"brandId"`
	SessionID string `json:"sessionId"`
}

type closeResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func NewHandler(uc SupportUseCase) (*Handler, error) {
	return NewHandlerWithLogger(uc, slog.Default())
}

func NewHandlerWithLogger(uc SupportUseCase, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger}, nil
}

// Handle routes POST /messages and POST /sessions/close.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if event.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	switch routeOf(event) {
	case "/messages":
		return h.handleMessage(ctx, logger, correlationID, event.Body), nil
	case "/sessions/close":
		return h.handleClose(ctx, logger, correlationID, event.Body), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) handleMessage(ctx context.Context, logger *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var req messageRequest
	if err := decodeStrict(body, &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}

	out, err := h.uc.HandleMessage(ctx, domain.Inbound{
		SessionID: req.SessionID,
		BrandID:   req.BrandID,
		Channel:   req.Channel,
		Text:      req.Message,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return h.errorResponse(logger, correlationID, err, "brand_id", req.BrandID, "session_id", req.SessionID)
	}

	logger.Info("message handled",
		"brand_id", req.BrandID,
		"session_id", out.SessionID,
		"state", out.State,
		"escalated", out.Escalated,
	)
	return jsonResponse(http.StatusOK, correlationID, messageResponse{
		SessionID: out.SessionID,
		Reply:     out.Text,
		Escalated: out.Escalated,
		Emotion:   string(out.Emotion),
		ToolsUsed: nonNil(out.ToolsUsed),
		Citations: nonNil(out.Citations),
		State:     out.State,
	})
}

func (h *Handler) handleClose(ctx context.Context, logger *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var req closeRequest
	if err := decodeStrict(body, &req); err != nil {
		logger.Warn("invalid request body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
	}
	if err := h.uc.CloseSession(ctx, req.BrandID, req.SessionID); err != nil {
		return h.errorResponse(logger, correlationID, err, "brand_id", req.BrandID, "session_id", req.SessionID)
	}
	logger.Info("session closed", "brand_id", req.BrandID, "session_id", req.SessionID)
	return jsonResponse(http.StatusOK, correlationID, closeResponse{SessionID: req.SessionID, State: "CLOSED"})
}

func (h *Handler) errorResponse(logger *slog.Logger, correlationID string, err error, attrs ...any) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.Error("unexpected error", append(attrs, "err", err)...)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := statusFor(ue.Code)
	attrs = append(attrs, "code", string(ue.Code), "reason", ue.Reason, "err", err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Warn("request rejected", attrs...)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(ue.Code), Reason: ue.Reason, Retryable: ue.Retryable()})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorSessionClosed:
		return http.StatusGone
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorCanceled:
		return statusClientClosedRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func routeOf(event events.APIGatewayProxyRequest) string {
	path := event.Path
	if path == "" {
		path = event.Resource
	}
	return "/" + strings.Trim(path, "/")
}

func decodeStrict(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("decode body: trailing data")
	}
	return nil
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: strings.TrimSpace(buf.String()),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
