package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/journal"
	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/sessions"
)

// Server provides the REST API handlers.
type Server struct {
	svc     sessions.Service
	journal journal.Journal
	log     *zap.Logger
}

// NewServer creates a new API server. The journal may be nil when disabled.
func NewServer(svc sessions.Service, j journal.Journal, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, journal: j, log: log}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.logRequests)
	r.Use(s.recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.cleanupSession)

				r.Get("/variants/{vid}", s.getVariant)
				r.Post("/variants/{vid}/complete", s.markComplete)

				r.Get("/ranking", s.ranking)
				r.Post("/finalize", s.finalize)
				r.Post("/auto-select", s.autoSelect)
				r.Post("/combine", s.combine)
			})
		})

		r.Post("/adhoc", s.createAdhoc)
		r.Post("/orchestrations", s.createOrchestrated)
		r.Get("/events", s.listEvents)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
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

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic in handler", zap.Any("panic", rec), zap.String("path", r.URL.Path), zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, response{Status: sessions.OutcomeError, Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// response is the JSON body of every reply.
type response struct {
	Status  sessions.Outcome `json:"status"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Details map[string]any   `json:"details,omitempty"`
	Result  any              `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, response{Status: sessions.OutcomeOK, Result: result})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Status: sessions.OutcomeInvalidArgument, Error: msg})
}

// httpStatus maps an outcome to its HTTP status code.
func httpStatus(o sessions.Outcome) int {
	switch o {
	case sessions.OutcomeOK:
		return http.StatusOK
	case sessions.OutcomeNotFound:
		return http.StatusNotFound
	case sessions.OutcomeInvalidArgument:
		return http.StatusBadRequest
	case sessions.OutcomePrecondition, sessions.OutcomeMergeConflict:
		return http.StatusConflict
	case sessions.OutcomeExternalTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	o := sessions.OutcomeOf(err)
	resp := response{Status: o, Error: err.Error()}

	var (
		incomplete *sessions.IncompleteError
		conflict   *sessions.MergeConflictError
		provision  *sessions.ProvisioningError
		ambiguous  *sessions.AmbiguousRepoError
	)
	switch {
	case errors.As(err, &incomplete):
		resp.Details = map[string]any{"pending": incomplete.Pending}
	case errors.As(err, &conflict):
		resp.Details = map[string]any{"variant_id": conflict.VariantID, "branch": conflict.Branch, "output": conflict.Output}
	case errors.As(err, &provision):
		resp.Details = map[string]any{"variant_id": provision.VariantID, "created": provision.Created}
	case errors.As(err, &ambiguous):
		resp.Details = map[string]any{"candidates": ambiguous.Candidates}
	}

	code := httpStatus(o)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, resp)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// --- Sessions ---

type createRequest struct {
	Task       string `json:"task"`
	Variants   int    `json:"num_variants"`
	TargetRepo string `json:"target_repo"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.CreateSession(r.Context(), sessions.CreateRequest{Task: req.Task, Variants: req.Variants, TargetRepo: req.TargetRepo})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.svc.ListSessions())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

func (s *Server) cleanupSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Cleanup(r.Context(), chi.URLParam(r, "id"), queryBool(r, "force"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := response{Status: sessions.OutcomeOK, Result: res}
	if res.PartialFailure() {
		resp.Status = sessions.OutcomePartialFailure
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Variants ---

func (s *Server) getVariant(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetVariant(chi.URLParam(r, "id"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, info)
}

func (s *Server) markComplete(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.MarkComplete(chi.URLParam(r, "id"), chi.URLParam(r, "vid"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

// --- Ranking and selection ---

func (s *Server) ranking(w http.ResponseWriter, r *http.Request) {
	rk, err := s.svc.Rank(r.Context(), chi.URLParam(r, "id"), queryBool(r, "refresh"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := response{Status: sessions.OutcomeOK, Message: rk.Narrative, Result: rk}
	if rk.Empty() {
		resp.Status = sessions.OutcomeNothingToSelect
	}
	writeJSON(w, http.StatusOK, resp)
}

type finalizeRequest struct {
	WinnerID string `json:"worktree_id"`
	Merge    bool   `json:"merge_to_main"`
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WinnerID == "" {
		writeError(w, http.StatusBadRequest, "worktree_id is required")
		return
	}
	res, err := s.svc.Finalize(r.Context(), chi.URLParam(r, "id"), req.WinnerID, req.Merge)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := response{Status: sessions.OutcomeOK, Result: res}
	if res.PartialFailure() {
		resp.Status = sessions.OutcomePartialFailure
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) autoSelect(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.AutoSelectBest(r.Context(), chi.URLParam(r, "id"), req.Merge)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := response{Status: sessions.OutcomeOK, Result: res}
	switch {
	case !res.Selected:
		resp.Status = sessions.OutcomeNothingToSelect
		resp.Message = res.Reason
	case res.Finalize.PartialFailure():
		resp.Status = sessions.OutcomePartialFailure
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) combine(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Combine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

// --- Other session kinds ---

type adhocRequest struct {
	Task       string `json:"task"`
	TargetRepo string `json:"target_repo"`
}

func (s *Server) createAdhoc(w http.ResponseWriter, r *http.Request) {
	var req adhocRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.CreateAdhoc(r.Context(), sessions.AdhocRequest{Task: req.Task, TargetRepo: req.TargetRepo})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, res)
}

type orchestrateRequest struct {
	Task       string   `json:"task"`
	Subtasks   []string `json:"subtasks"`
	TargetRepo string   `json:"target_repo"`
}

func (s *Server) createOrchestrated(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.CreateOrchestrated(r.Context(), sessions.OrchestrateRequest{Task: req.Task, Subtasks: req.Subtasks, TargetRepo: req.TargetRepo})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, res)
}

// --- Journal ---

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeOK(w, http.StatusOK, []*models.Event{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.journal.List(r.Context(), journal.ListFilter{
		SessionID: r.URL.Query().Get("session"),
		Type:      models.EventType(r.URL.Query().Get("type")),
		Limit:     limit,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, events)
}
