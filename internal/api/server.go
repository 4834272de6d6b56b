// Package api HTTP API только для чтения состояния агента.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/audit"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/domain"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/execution"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/orchestrator"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/permission"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/voting"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

const defaultListLimit = 50

// Deps компоненты, состояние которых отдает API
type Deps struct {
	Permissions  *permission.Manager
	Votes        *voting.Engine
	Executions   *execution.Engine
	Orchestrator *orchestrator.Orchestrator
	Audit        *audit.Log
}

// Options сетевые параметры сервера
type Options struct {
	Port      int
	RateRPS   int
	RateBurst int
}

type Server struct {
	deps    Deps
	opts    Options
	limiter *RateLimiter
	clock   func() time.Time
	started time.Time
	logger  *utils.Logger
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func NewServer(deps Deps, opts Options, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateRPS, opts.RateBurst),
		clock:   time.Now,
		started: time.Now(),
		logger:  logger.Named("api"),
	}
}

// Handler chi router со всеми маршрутами
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.limiter.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/strategies", s.handleStrategies)
	r.Get("/executions/{id}", s.handleExecution)
	r.Get("/users/{user}/executions", s.handleUserExecutions)
	r.Get("/users/{user}/voting-power", s.handleVotingPower)
	r.Get("/users/{user}/permissions", s.handleUserPermissions)
	r.Get("/votes/active", s.handleActiveVotes)
	r.Get("/votes/{id}", s.handleVote)
	r.Get("/votes/{id}/result", s.handleVoteResult)
	r.Get("/permissions/check", s.handleCheckPermission)
	r.Get("/rules", s.handleRules)
	r.Get("/decisions", s.handleDecisions)
	r.Get("/audit", s.handleAudit)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start слушает порт до отмены ctx, затем graceful shutdown
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

// handleHealth - health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.clock().Unix(),
		"uptime":    s.clock().Sub(s.started).Round(time.Second).String(),
	}
	if s.deps.Executions != nil {
		health["execution_paused"] = s.deps.Executions.IsPaused()
	}
	if s.deps.Votes != nil {
		health["voting_paused"] = s.deps.Votes.IsPaused()
	}
	if s.deps.Orchestrator != nil {
		health["mode"] = s.deps.Orchestrator.GetMode()
		health["orchestrator_running"] = s.deps.Orchestrator.IsRunning()
	}
	s.sendSuccess(w, health)
}

// handleStrategies - registered strategies in registration order
func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Executions != nil, "execution engine") {
		return
	}
	s.sendSuccess(w, s.deps.Executions.GetStrategies())
}

// handleExecution - request, status and result
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Executions != nil, "execution engine") {
		return
	}
	id := chi.URLParam(r, "id")

	req, err := s.deps.Executions.GetRequest(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	status, err := s.deps.Executions.GetExecutionStatus(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	out := map[string]interface{}{
		"request": req,
		"status":  status,
	}
	if res, ok := s.deps.Executions.GetResult(id); ok {
		out["result"] = res
	}
	s.sendSuccess(w, out)
}

// handleUserExecutions - newest first
func (s *Server) handleUserExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Executions != nil, "execution engine") {
		return
	}
	limit := getQueryParamInt(r, "limit", defaultListLimit)
	s.sendSuccess(w, s.deps.Executions.GetUserExecutions(chi.URLParam(r, "user"), limit))
}

// handleVotingPower - own power, delegations and total
func (s *Server) handleVotingPower(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Votes != nil, "voting engine") {
		return
	}
	user := chi.URLParam(r, "user")
	s.sendSuccess(w, map[string]interface{}{
		"user":        user,
		"power":       s.deps.Votes.GetVotingPower(user),
		"total_power": s.deps.Votes.TotalPower(),
		"delegations": s.deps.Votes.GetDelegations(user),
	})
}

func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Permissions != nil, "permission manager") {
		return
	}
	s.sendSuccess(w, s.deps.Permissions.GetUserPermissions(chi.URLParam(r, "user")))
}

func (s *Server) handleActiveVotes(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Votes != nil, "voting engine") {
		return
	}
	s.sendSuccess(w, s.deps.Votes.GetActiveVotes())
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Votes != nil, "voting engine") {
		return
	}
	id, ok := s.voteID(w, r)
	if !ok {
		return
	}
	vote, err := s.deps.Votes.GetVote(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, vote)
}

func (s *Server) handleVoteResult(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Votes != nil, "voting engine") {
		return
	}
	id, ok := s.voteID(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Votes.GetVoteResult(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendSuccess(w, result)
}

// handleCheckPermission - ?user=&action=&token=&amount=&portfolio_value=&confidence=&risk=
func (s *Server) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Permissions != nil, "permission manager") {
		return
	}
	q, err := parsePermissionQuery(r)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	p, allowed := s.deps.Permissions.CheckPermission(r.Context(), q)
	out := map[string]interface{}{"allowed": allowed}
	if allowed {
		out["permission"] = p
	}
	s.sendSuccess(w, out)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Permissions != nil, "permission manager") {
		return
	}
	s.sendSuccess(w, s.deps.Permissions.GetRules())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Orchestrator != nil, "orchestrator") {
		return
	}
	s.sendSuccess(w, s.deps.Orchestrator.Decisions(getQueryParamInt(r, "limit", defaultListLimit)))
}

// handleAudit - ?entity_type=&entity_id= или ?action=, иначе последние события
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.available(w, s.deps.Audit != nil, "audit log") {
		return
	}
	entityType := getQueryParam(r, "entity_type", "")
	entityID := getQueryParam(r, "entity_id", "")
	action := getQueryParam(r, "action", "")

	switch {
	case entityType != "" && entityID != "":
		s.sendSuccess(w, s.deps.Audit.ByEntity(entityType, entityID))
	case entityType != "" || entityID != "":
		s.sendError(w, "entity_type and entity_id must be given together", http.StatusBadRequest)
	case action != "":
		s.sendSuccess(w, s.deps.Audit.ByAction(action))
	default:
		events := s.deps.Audit.All()
		limit := getQueryParamInt(r, "limit", defaultListLimit)
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		s.sendSuccess(w, events)
	}
}

func parsePermissionQuery(r *http.Request) (permission.Query, error) {
	q := permission.Query{
		User:   getQueryParam(r, "user", ""),
		Action: domain.ActionType(strings.ToUpper(getQueryParam(r, "action", ""))),
		Token:  getQueryParam(r, "token", ""),
	}
	if q.User == "" {
		return q, fmt.Errorf("%w: user is required", domain.ErrInvalidRequest)
	}
	if !q.Action.Valid() {
		return q, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, q.Action)
	}

	var err error
	if q.Amount, err = decimalParam(r, "amount"); err != nil {
		return q, err
	}
	if q.PortfolioValue, err = decimalParam(r, "portfolio_value"); err != nil {
		return q, err
	}
	if v := r.URL.Query().Get("confidence"); v != "" {
		c, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return q, fmt.Errorf("%w: confidence: %v", domain.ErrInvalidRequest, err)
		}
		conf := uint32(c)
		q.Confidence = &conf
	}
	if v := r.URL.Query().Get("risk"); v != "" {
		rs, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return q, fmt.Errorf("%w: risk: %v", domain.ErrInvalidRequest, err)
		}
		risk := uint8(rs)
		q.RiskScore = &risk
	}
	return q, nil
}

func decimalParam(r *http.Request, key string) (*decimal.Decimal, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidRequest, key, err)
	}
	return &d, nil
}

func (s *Server) voteID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.sendError(w, "Invalid vote id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) available(w http.ResponseWriter, ok bool, component string) bool {
	if !ok {
		s.sendError(w, fmt.Sprintf("%s not available", component), http.StatusServiceUnavailable)
	}
	return ok
}

// StatusCode HTTP статус для категории ошибки
func StatusCode(err error) int {
	switch domain.Category(err) {
	case "InvalidRequest":
		return http.StatusBadRequest
	case "NotAuthorized":
		return http.StatusForbidden
	case "UnknownEntity":
		return http.StatusNotFound
	case "AlreadyExists", "AlreadyVoted", "InvalidVote", "InsufficientPower", "TooManyStrategies", "InsufficientBalance":
		return http.StatusConflict
	case "CooldownActive":
		return http.StatusTooManyRequests
	case "EmergencyPaused":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Helper methods
func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(Response{Success: true, Data: data}); err != nil {
		s.logger.Warn("failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	s.writeError(w, Response{Success: false, Error: message}, statusCode)
}

func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.writeError(w, Response{Success: false, Error: err.Error(), Code: domain.Category(err)}, status)
}

func (s *Server) writeError(w http.ResponseWriter, resp Response, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode error response: %v", err)
	}
}

// Helper function to parse query parameter
func getQueryParam(r *http.Request, key string, defaultValue string) string {
	if value := r.URL.Query().Get(key); value != "" {
		return value
	}
	return defaultValue
}

// Helper function to parse int query parameter
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
