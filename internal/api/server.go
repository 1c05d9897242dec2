package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"followup/internal/domain"
	"followup/internal/logging"
	"followup/internal/scheduler"
	"followup/internal/sequence"
)

const templatePreviewLen = 100

type Server struct {
	r        *chi.Mux
	engine   *scheduler.Engine
	sweeper  *scheduler.Sweeper
	registry *sequence.Registry
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewServer(engine *scheduler.Engine, sweeper *scheduler.Sweeper, registry *sequence.Registry) http.Handler {
	return NewServerWithDebug(engine, sweeper, registry, false)
}

func NewServerWithDebug(engine *scheduler.Engine, sweeper *scheduler.Sweeper, registry *sequence.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	s := &Server{
		r:        r,
		engine:   engine,
		sweeper:  sweeper,
		registry: registry,
		validate: validator.New(),
		logger:   logging.Component("api"),
	}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/follow-ups", func(r chi.Router) {
		r.Post("/execute-due-tasks", s.executeDueTasks)
		r.Get("/stats", s.stats)
		r.Get("/all-tasks", s.allTasks)
		r.Get("/sequences", s.listSequences)
		r.Route("/session/{id}", func(r chi.Router) {
			r.Get("/tasks", s.sessionTasks)
			r.Get("/tasks/{taskID}/events", s.taskEvents)
			r.Post("/sequence", s.startSequence)
			r.Put("/context", s.putContext)
			r.Post("/cancel-tasks", s.cancelTasks)
			r.Post("/simulate-lead-response", s.simulateLeadResponse)
		})
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sweeper.Stats()
	running := 0
	if st.Running {
		running = 1
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "followup_up 1\n")
	fmt.Fprintf(w, "followup_sweeper_running %d\n", running)
	fmt.Fprintf(w, "followup_sweeps_total %d\n", st.Sweeps)
	fmt.Fprintf(w, "followup_sweeps_aborted_total %d\n", st.Aborted)
	fmt.Fprintf(w, "followup_tasks_executed_total %d\n", st.Executed)
	fmt.Fprintf(w, "followup_tasks_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "followup_tasks_skipped_total %d\n", st.Skipped)
	fmt.Fprintf(w, "followup_sequences_loaded %d\n", len(s.registry.List()))
}

func (s *Server) executeDueTasks(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.ExecuteDueTasksNow(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sessionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.SessionTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.TaskEvents(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days_back"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "days_back must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	st, err := s.engine.Statistics(r.Context(), days)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type allTasksQuery struct {
	Status string `validate:"omitempty,oneof=pending scheduled executing executed failed cancelled"`
	Limit  int    `validate:"min=0,max=500"`
}

type taskSummary struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	LeadID           string        `json:"lead_id"`
	SequenceName     string        `json:"sequence_name"`
	SequencePosition int           `json:"sequence_position"`
	Status           domain.Status `json:"status"`
	ScheduledAt      *time.Time    `json:"scheduled_at"`
	ExecutedAt       *time.Time    `json:"executed_at"`
	MessageTemplate  string        `json:"message_template"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (s *Server) allTasks(w http.ResponseWriter, r *http.Request) {
	q := allTasksQuery{Status: r.URL.Query().Get("status"), Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return
	}
	tasks, err := s.engine.RecentTasks(r.Context(), domain.Status(q.Status), q.Limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{
			ID:               t.ID,
			SessionID:        t.SessionID,
			LeadID:           t.LeadID,
			SequenceName:     t.SequenceName,
			SequencePosition: t.SequencePosition,
			Status:           t.Status,
			ScheduledAt:      t.ScheduledAt,
			ExecutedAt:       t.ExecutedAt,
			MessageTemplate:  truncate(t.MessageTemplate, templatePreviewLen),
			CreatedAt:        t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type startSequenceReq struct {
	LeadID       string                  `json:"lead_id" validate:"required"`
	SequenceName string                  `json:"sequence_name" validate:"required"`
	Context      *domain.TemplateContext `json:"context"`
}

func (s *Server) startSequence(w http.ResponseWriter, r *http.Request) {
	var req startSequenceReq
	if !s.decode(w, r, &req) {
		return
	}
	tasks, err := s.engine.Instantiate(r.Context(), chi.URLParam(r, "id"), req.LeadID, req.SequenceName, req.Context)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tasks)
}

func (s *Server) putContext(w http.ResponseWriter, r *http.Request) {
	var tc domain.TemplateContext
	if !s.decode(w, r, &tc) {
		return
	}
	if err := s.engine.PutContext(r.Context(), chi.URLParam(r, "id"), tc); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelReq struct {
	TaskTypes []string `json:"task_types" validate:"omitempty,dive,required"`
	Reason    string   `json:"reason" validate:"max=200"`
}

func (s *Server) cancelTasks(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !s.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "admin cancelled"
	}
	res, err := s.engine.CancelPending(r.Context(), chi.URLParam(r, "id"), req.TaskTypes, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) simulateLeadResponse(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.HandleResponse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			http.Error(w, validationMessage(err), http.StatusBadRequest)
			return false
		}
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error().Err(err).Int("status", code).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, domain.ErrInvalidDelayUnit),
		errors.Is(err, domain.ErrInvalidContext):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownSequence):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSequenceExists), errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "min":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
