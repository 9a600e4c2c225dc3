package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"collections/agent"
	"collections/auth"
	"collections/channel"
	"collections/collection"
	"collections/compliance"
	"collections/engine"
	"collections/promise"
	"collections/reconcile"
	"collections/settlement"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyRole   contextKey = "role"
)

const maxBodyBytes = 1 << 20

// caseEngine is the slice of engine.Engine the handlers call.
type caseEngine interface {
	Queue(ctx context.Context, f collection.Filters) ([]engine.CaseSummary, int, error)
	CaseDetail(ctx context.Context, id string) (engine.Detail, error)
	CheckCompliance(ctx context.Context, id string) (compliance.Verdict, error)
	OverrideNBA(ctx context.Context, req engine.OverrideRequest) (collection.Event, error)
	OverrideRate(ctx context.Context, since time.Time) (float64, error)
	CreatePTP(ctx context.Context, params promise.CreateParams) (promise.Promise, error)
	RecordPTPPayment(ctx context.Context, promiseID string, amountMinor int64, actorID string) (promise.Promise, error)
	CreateSettlement(ctx context.Context, req engine.SettlementRequest) ([]settlement.Offer, error)
	ApproveSettlement(ctx context.Context, offerID, approverID string) (settlement.Offer, error)
	AcceptSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, collection.Case, error)
	RejectSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, error)
	ExpireSettlement(ctx context.Context, offerID, actorID string) (settlement.Offer, error)
	SupersedeSettlement(ctx context.Context, offerID string, terms settlement.ManualTerms, actorID string) (settlement.Offer, error)
	RecordContact(ctx context.Context, req engine.ContactRequest) (collection.Case, error)
	SetFlags(ctx context.Context, req engine.FlagsRequest) (collection.Case, error)
	Assign(ctx context.Context, req engine.AssignRequest) (collection.Case, error)
	Transition(ctx context.Context, req engine.TransitionRequest) (collection.Case, error)
	SendMessage(ctx context.Context, req engine.MessageRequest) (engine.SendResult, error)
}

type jobRunner interface {
	Trigger(ctx context.Context, name string) (reconcile.RunResult, error)
}

type tokenService interface {
	VerifyToken(token string) (auth.Identity, error)
	Issue(ctx context.Context, req auth.IssueRequest) (string, error)
}

// Server exposes the engine over HTTP.
type Server struct {
	engine caseEngine
	jobs   jobRunner
	tokens tokenService
	logger *zap.Logger
	now    func() time.Time
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/queue", s.authenticated(s.handleQueue))
	mux.Handle("/api/cases/", s.authenticated(s.handleCaseDetail))
	mux.Handle("/api/promises/", s.authenticated(s.handlePromise))
	mux.Handle("/api/settlements/", s.authenticated(s.handleSettlement))
	mux.Handle("/api/metrics/override-rate", s.authenticated(s.handleOverrideRate))
	mux.Handle("/api/admin/jobs/", s.authenticated(s.handleJobRun))
	mux.Handle("/api/admin/tokens", s.authenticated(s.handleIssueToken))
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.AgentID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		next(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func role(r *http.Request) agent.Role {
	rl, _ := r.Context().Value(ctxKeyRole).(agent.Role)
	return rl
}

func hasRole(r *http.Request, roles ...agent.Role) bool {
	current := role(r)
	for _, rl := range roles {
		if current == rl {
			return true
		}
	}
	return false
}

// pathParts splits the remainder of path after prefix into non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Rule  string `json:"rule,omitempty"`
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *collection.ValidationError
	var violation *collection.PolicyViolation
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Reason, Field: validation.Field})
	case errors.As(err, &violation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: violation.Detail, Rule: violation.Rule})
	case errors.Is(err, collection.ErrConflict), errors.Is(err, collection.ErrActiveCaseExists):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, collection.ErrNotFound),
		errors.Is(err, promise.ErrNotFound),
		errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, agent.ErrNotFound),
		errors.Is(err, reconcile.ErrUnknownJob):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrInactive), errors.Is(err, auth.ErrInactiveAgent):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Rule: "agent_inactive"})
	case errors.Is(err, auth.ErrInvalidToken):
		writeErrorMessage(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, channel.ErrQueueFull), errors.Is(err, channel.ErrStopped), errors.Is(err, engine.ErrDispatchUnavailable):
		writeErrorMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, collection.Invalid(key, "must be an integer")
	}
	return v, nil
}
