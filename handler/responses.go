package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"conversation-orchestrator/internal/domain"
	"conversation-orchestrator/internal/usecase"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type summaryBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CreatedAt   string `json:"created_at"`
	LastUpdated string `json:"lastUpdated"`
}

type pageBody struct {
	Conversations []summaryBody `json:"conversations"`
	HasMore       bool          `json:"has_more"`
	Skip          int           `json:"skip"`
	Limit         int           `json:"limit"`
}

type detailBody struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	PrincipalID string          `json:"principal_id"`
	CreatedAt   string          `json:"created_at"`
	LastUpdated string          `json:"lastUpdated"`
	Messages    json.RawMessage `json:"messages"`
}

func toSummaryBody(s domain.ConversationSummary) summaryBody {
	return summaryBody{ID: s.ID, Name: s.Name, CreatedAt: formatTime(s.CreatedAt), LastUpdated: formatTime(s.LastUpdated)}
}

func toPageBody(p usecase.ConversationPage) pageBody {
	out := pageBody{Conversations: make([]summaryBody, 0, len(p.Conversations)), HasMore: p.HasMore, Skip: p.Skip, Limit: p.Limit}
	for _, s := range p.Conversations {
		out.Conversations = append(out.Conversations, toSummaryBody(s))
	}
	return out
}

func toDetailBody(d domain.ConversationDetail) detailBody {
	messages := d.Messages
	if len(messages) == 0 {
		messages = json.RawMessage(`[]`)
	}
	return detailBody{
		ID:          d.ID,
		Name:        d.Name,
		PrincipalID: d.PrincipalID,
		CreatedAt:   formatTime(d.CreatedAt),
		LastUpdated: formatTime(d.LastUpdated),
		Messages:    messages,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func withHeaders(base map[string]string, extra map[string]string) map[string]string {
	out := maps.Clone(base)
	maps.Copy(out, extra)
	return out
}

func jsonResponse(status int, v any, headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: status,
		Headers:    withHeaders(headers, map[string]string{"Content-Type": "application/json"}),
		Body:       strings.NewReader(string(b)),
	}
}

func errorResponse(status int, code, reason string, headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	return jsonResponse(status, errorBody{Error: code, Reason: reason}, headers)
}

func methodNotAllowed(headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	return errorResponse(http.StatusMethodNotAllowed, string(usecase.ErrorInvalidInput), "method_not_allowed", headers)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorStrategy:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// failure maps a service error to a response. Anything that is not a
// usecase.Error is reported as INTERNAL_ERROR.
func (h *Handler) failure(ctx context.Context, logger *slog.Logger, err error, headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.ErrorContext(ctx, "unexpected error", "err", err)
		return errorResponse(http.StatusInternalServerError, string(usecase.ErrorInternal), "", headers)
	}
	status := statusFor(ue.Code)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", ue.Code, "reason", ue.Reason, "err", ue.Err)
	} else {
		logger.InfoContext(ctx, "request rejected", "code", ue.Code, "reason", ue.Reason)
	}
	return errorResponse(status, string(ue.Code), ue.Reason, headers)
}
