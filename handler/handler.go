package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"conversation-orchestrator/internal/domain"
	"conversation-orchestrator/internal/usecase"
)

const (
	correlationHeader   = "X-Correlation-Id"
	principalHeader     = "X-Principal-Id"
	principalNameHeader = "X-Principal-Name"

	orchestratorPath  = "/orchestrator"
	conversationsPath = "/conversations"
)

type Sessions interface {
	Turn(ctx context.Context, in usecase.TurnInput, emit func(chunk string) error) (string, error)
	SubmitFeedback(ctx context.Context, in usecase.FeedbackInput) error
}

type Conversations interface {
	List(ctx context.Context, in usecase.ListInput) (usecase.ConversationPage, error)
	Get(ctx context.Context, conversationID, principalID string) (domain.ConversationDetail, error)
	Rename(ctx context.Context, conversationID, principalID, name string) (domain.ConversationSummary, error)
	Delete(ctx context.Context, conversationID, principalID string) error
}

// Handler serves the Lambda Function URL in RESPONSE_STREAM mode.
type Handler struct {
	sessions      Sessions
	conversations Conversations
	logger        *slog.Logger
	authEnabled   bool
}

type Option func(*Handler)

// WithAuthentication makes the handler trust the principal header set by
// the upstream authorizer. Without it every caller is anonymous.
func WithAuthentication(enabled bool) Option {
	return func(h *Handler) { h.authEnabled = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(sessions Sessions, conversations Conversations, opts ...Option) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("handler: sessions must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("handler: conversations must not be nil")
	}
	h := &Handler{sessions: sessions, conversations: conversations, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type orchestratorRequest struct {
	Ask            string  `json:"ask"`
	Question       string  `json:"question"`
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	QuestionID     string  `json:"question_id"`
	IsPositive     *bool   `json:"is_positive"`
	StarsRating    *int    `json:"stars_rating"`
	FeedbackText   *string `json:"feedback_text"`
}

func (r orchestratorRequest) text() string {
	if strings.TrimSpace(r.Ask) != "" {
		return r.Ask
	}
	return r.Question
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) Handle(ctx context.Context, req events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)
	headers := map[string]string{correlationHeader: correlationID}

	method := strings.ToUpper(req.RequestContext.HTTP.Method)
	path := strings.TrimRight(req.RawPath, "/")
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}

	principal, ok := h.principal(req.Headers)
	if !ok {
		return errorResponse(http.StatusUnauthorized, string(usecase.ErrorUnauthorized), "missing_principal", headers), nil
	}

	body, err := requestBody(req)
	if err != nil {
		return errorResponse(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body_encoding", headers), nil
	}

	switch {
	case path == orchestratorPath:
		if method != http.MethodPost {
			return methodNotAllowed(headers), nil
		}
		return h.orchestrate(ctx, logger, principal, h.principalName(req.Headers), body, headers)

	case path == conversationsPath:
		if method != http.MethodGet {
			return methodNotAllowed(headers), nil
		}
		return h.list(ctx, logger, principal, req.QueryStringParameters, headers), nil

	case strings.HasPrefix(path, conversationsPath+"/"):
		id := strings.TrimPrefix(path, conversationsPath+"/")
		if id == "" || strings.Contains(id, "/") {
			return errorResponse(http.StatusNotFound, string(usecase.ErrorNotFound), "route_not_found", headers), nil
		}
		switch method {
		case http.MethodGet:
			detail, err := h.conversations.Get(ctx, id, principal)
			if err != nil {
				return h.failure(ctx, logger, err, headers), nil
			}
			return jsonResponse(http.StatusOK, toDetailBody(detail), headers), nil
		case http.MethodPatch:
			var in renameRequest
			if err := json.Unmarshal(body, &in); err != nil {
				return errorResponse(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", headers), nil
			}
			summary, err := h.conversations.Rename(ctx, id, principal, in.Name)
			if err != nil {
				return h.failure(ctx, logger, err, headers), nil
			}
			return jsonResponse(http.StatusOK, toSummaryBody(summary), headers), nil
		case http.MethodDelete:
			if err := h.conversations.Delete(ctx, id, principal); err != nil {
				return h.failure(ctx, logger, err, headers), nil
			}
			return jsonResponse(http.StatusOK, statusBody{Status: "success", Message: "Conversation deleted successfully"}, headers), nil
		default:
			return methodNotAllowed(headers), nil
		}
	}
	return errorResponse(http.StatusNotFound, string(usecase.ErrorNotFound), "route_not_found", headers), nil
}

func (h *Handler) orchestrate(ctx context.Context, logger *slog.Logger, principal, principalName string, body []byte, headers map[string]string) (*events.LambdaFunctionURLStreamingResponse, error) {
	var in orchestratorRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return errorResponse(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", headers), nil
	}

	if strings.EqualFold(strings.TrimSpace(in.Type), "feedback") {
		err := h.sessions.SubmitFeedback(ctx, usecase.FeedbackInput{
			ConversationID: in.ConversationID,
			PrincipalID:    principal,
			QuestionID:     in.QuestionID,
			Text:           in.text(),
			IsPositive:     in.IsPositive,
			StarsRating:    in.StarsRating,
			FeedbackText:   in.FeedbackText,
		})
		if err != nil {
			return h.failure(ctx, logger, err, headers), nil
		}
		return jsonResponse(http.StatusOK, statusBody{Status: "success", Message: "Feedback saved successfully"}, headers), nil
	}

	return h.streamTurn(ctx, logger, usecase.TurnInput{
		ConversationID: in.ConversationID,
		PrincipalID:    principal,
		PrincipalName:  principalName,
		Question:       in.text(),
		QuestionID:     in.QuestionID,
	}, headers), nil
}

func (h *Handler) list(ctx context.Context, logger *slog.Logger, principal string, query map[string]string, headers map[string]string) *events.LambdaFunctionURLStreamingResponse {
	skip, err := queryInt(query, "skip")
	if err != nil {
		return errorResponse(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_skip", headers)
	}
	limit, err := queryInt(query, "limit")
	if err != nil {
		return errorResponse(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_limit", headers)
	}
	page, err := h.conversations.List(ctx, usecase.ListInput{
		PrincipalID: principal,
		Skip:        skip,
		Limit:       limit,
		Name:        nameFilter(query["name"]),
	})
	if err != nil {
		return h.failure(ctx, logger, err, headers)
	}
	return jsonResponse(http.StatusOK, toPageBody(page), headers)
}

// principal resolves the caller. With authentication on, a missing header
// is reported as not ok.
func (h *Handler) principal(headers map[string]string) (string, bool) {
	if !h.authEnabled {
		return domain.AnonymousPrincipal, true
	}
	p := headerValue(headers, principalHeader)
	return p, p != ""
}

// principalName is the caller's display name set by the authorizer. It is
// ignored when authentication is off.
func (h *Handler) principalName(headers map[string]string) string {
	if !h.authEnabled {
		return ""
	}
	return headerValue(headers, principalNameHeader)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func requestBody(req events.LambdaFunctionURLRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

// nameFilter passes the substring through as sent; only an all-blank value
// means no filter.
func nameFilter(v string) string {
	if strings.TrimSpace(v) == "" {
		return ""
	}
	return v
}

func queryInt(query map[string]string, key string) (int, error) {
	v := strings.TrimSpace(query[key])
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
