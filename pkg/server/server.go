// Package server exposes the execution engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastpath-db/fastpath/pkg/engine"
	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// Server is the HTTP front end over an Engine.
type Server struct {
	engine  *engine.Engine
	logger  zerolog.Logger
	httpSrv *http.Server
}

// New creates a server. metricsHandler may be nil when metrics are disabled.
func New(addr string, eng *engine.Engine, metricsHandler http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logger.With().Str("component", "http_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/batch", s.handleBatch)
	mux.HandleFunc("POST /v1/transaction", s.handleTransaction)
	mux.HandleFunc("GET /v1/performance", s.handlePerformance)
	mux.HandleFunc("GET /health", s.handleHealth)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.logMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type queryRequest struct {
	Query        string        `json:"query"`
	Params       []interface{} `json:"params,omitempty"`
	ForcePrimary bool          `json:"force_primary,omitempty"`
	SkipCache    bool          `json:"skip_cache,omitempty"`
	Scope        string        `json:"scope,omitempty"`
}

type queryResponse struct {
	Result   *models.ResultSet        `json:"result"`
	Metadata models.ExecutionMetadata `json:"metadata"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, pkgerrors.Wrap(err, pkgerrors.CodeInvalidRequest, "malformed request body"))
		return
	}

	var opts []engine.ExecOption
	if req.ForcePrimary {
		opts = append(opts, engine.WithForcePrimary())
	}
	if req.SkipCache {
		opts = append(opts, engine.WithoutCache())
	}
	if req.Scope != "" {
		opts = append(opts, engine.WithScope(req.Scope))
	}

	rs, meta, err := s.engine.ExecuteOptimized(r.Context(),
		models.Statement{Query: req.Query, Params: req.Params}, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, queryResponse{Result: rs, Metadata: meta})
}

// statementPayload is one statement inside a batch or transaction. Execution
// options apply to the whole request, not per statement.
type statementPayload struct {
	Query  string        `json:"query"`
	Params []interface{} `json:"params,omitempty"`
}

type batchRequest struct {
	Statements   []statementPayload `json:"statements"`
	ForcePrimary bool               `json:"force_primary,omitempty"`
	SkipCache    bool               `json:"skip_cache,omitempty"`
	Scope        string             `json:"scope,omitempty"`
}

type batchItem struct {
	Result   *models.ResultSet        `json:"result,omitempty"`
	Metadata models.ExecutionMetadata `json:"metadata"`
	Error    string                   `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, pkgerrors.Wrap(err, pkgerrors.CodeInvalidRequest, "malformed request body"))
		return
	}

	stmts := make([]models.Statement, len(req.Statements))
	for i, q := range req.Statements {
		stmts[i] = models.Statement{Query: q.Query, Params: q.Params}
	}

	var opts []engine.ExecOption
	if req.ForcePrimary {
		opts = append(opts, engine.WithForcePrimary())
	}
	if req.SkipCache {
		opts = append(opts, engine.WithoutCache())
	}
	if req.Scope != "" {
		opts = append(opts, engine.WithScope(req.Scope))
	}

	results, err := s.engine.ExecuteBatch(r.Context(), stmts, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i] = batchItem{Result: res.Result, Metadata: res.Metadata}
		if res.Err != nil {
			items[i].Error = res.Err.Error()
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": items})
}

type transactionRequest struct {
	Statements []statementPayload `json:"statements"`
	Isolation  string             `json:"isolation,omitempty"`
	FullAbort  bool               `json:"full_abort,omitempty"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, pkgerrors.Wrap(err, pkgerrors.CodeInvalidRequest, "malformed request body"))
		return
	}

	stmts := make([]models.Statement, len(req.Statements))
	for i, q := range req.Statements {
		stmts[i] = models.Statement{Query: q.Query, Params: q.Params}
	}

	var opts []engine.TxOption
	if req.Isolation != "" {
		opts = append(opts, engine.WithIsolation(models.IsolationLevel(req.Isolation)))
	}
	if req.FullAbort {
		opts = append(opts, engine.WithFullAbort())
	}

	result, err := s.engine.ExecuteTransaction(r.Context(), stmts, opts...)
	if err != nil && !pkgerrors.IsTransactionPartial(err) {
		s.writeError(w, err)
		return
	}

	resp := map[string]interface{}{"transaction": result}
	status := http.StatusOK
	if err != nil {
		// Partial commit: the caller gets the outcomes plus the error code.
		resp["error"] = pkgerrors.GetMessage(err)
		resp["code"] = pkgerrors.GetCode(err)
		status = http.StatusMultiStatus
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetPerformanceMetrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.HealthCheck(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := pkgerrors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case pkgerrors.CodeInvalidRequest:
		status = http.StatusBadRequest
	case pkgerrors.CodePoolExhausted, pkgerrors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case pkgerrors.CodeDeadlineExceeded:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{
		"code":    code,
		"message": pkgerrors.GetMessage(err),
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
