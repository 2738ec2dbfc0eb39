package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-runtime/internal/actor"
	"github.com/nidhogg/nuka-runtime/internal/command"
	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/registry"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	"github.com/nidhogg/nuka-runtime/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultPullTimeout = 5 * time.Second
	maxPullTimeout     = 60 * time.Second

	// eventsLiveness is how often an open event stream checks that its
	// invocation still exists.
	eventsLiveness = time.Second
)

// JournalReader reads the invocation journal.
type JournalReader interface {
	ListInvocations(ctx context.Context, limit int) ([]*store.InvocationRecord, error)
}

// EventStreamer follows the output events of one instance.
type EventStreamer interface {
	Subscribe(ctx context.Context, instanceID string) <-chan *orchestrator.OutputEvent
}

// Deps are the collaborators the handler serves. Journal and Events are
// optional; their routes answer 503 when unset.
type Deps struct {
	Registry *registry.Registry
	Actor    *actor.Actor
	Commands *command.Registry
	Status   command.StatusProvider
	Journal  JournalReader
	Events   EventStreamer
	Logger   *zap.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *registry.Registry
	actor    *actor.Actor
	commands *command.Registry
	status   command.StatusProvider
	journal  JournalReader
	events   EventStreamer
	logger   *zap.Logger

	eventsLiveness time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: deps.Registry,
		actor:    deps.Actor,
		commands: deps.Commands,
		status:   deps.Status,
		journal:  deps.Journal,
		events:   deps.Events,
		logger:   logger,

		eventsLiveness: eventsLiveness,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.runtimeStatus)

		// Registry routes
		r.Get("/skills", h.listSkills)
		r.Get("/skills/*", h.getSkill)
		r.Get("/modules", h.listModules)

		// Actor routes
		r.Get("/listing", h.getListing)
		r.Post("/invoke", h.invoke)
		r.Get("/instances", h.listInstances)
		r.Get("/instances/{id}", h.getInstance)
		r.Delete("/instances/{id}", h.revoke)
		r.Post("/instances/{id}/inputs/{name}", h.pushInput)
		r.Get("/instances/{id}/outputs/{name}", h.pullOutput)
		r.Get("/instances/{id}/events", h.streamEvents)

		r.Post("/command", h.runCommand)
		r.Get("/journal", h.listJournal)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "runtime": "nuka"})
}

type statusResponse struct {
	command.Status
	Instances int `json:"instances"`
	Watcher   any `json:"watcher,omitempty"`
}

func (h *Handler) runtimeStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if h.status != nil {
		resp.Status = h.status.Status()
	}
	resp.Instances = len(h.actor.Invocations())
	if metrics, ok := h.registry.WatchMetrics(); ok {
		resp.Watcher = metrics
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListSkillsSchema())
}

func (h *Handler) getSkill(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	schema, err := h.registry.FindSkillSchema(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Modules())
}

type listingResponse struct {
	Commands map[string]*skill.Schema `json:"commands"`
	Errors   []string                 `json:"errors,omitempty"`
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.actor.GetListing()
	resp := listingResponse{Commands: listing}
	if err != nil {
		resp.Errors = splitErrors(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type invokeRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}
	inv, err := h.actor.Invoke(r.Context(), req.Command, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.actor.Invocations())
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv, ok := h.actor.Invocation(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %s", orchestrator.ErrUnknownTask, id))
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.actor.Revoke(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": id})
}

type pushRequest struct {
	Value any `json:"value"`
}

func (h *Handler) pushInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.actor.Push(r.Context(), id, name, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) pullOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	timeout := defaultPullTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid timeout"})
			return
		}
		timeout = min(d, maxPullTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	value, err := h.actor.Pull(ctx, id, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "output": name, "value": value})
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "output bus not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.actor.Invocation(id); !ok {
		writeError(w, fmt.Errorf("%w: %s", orchestrator.ErrUnknownTask, id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.events.Subscribe(ctx, id)
	liveness := time.NewTicker(h.eventsLiveness)
	defer liveness.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: output\ndata: %s\n\n", data)
			flusher.Flush()
		case <-liveness.C:
			if _, ok := h.actor.Invocation(id); ok {
				continue
			}
			data, _ := json.Marshal(map[string]string{"id": id, "reason": "revoked"})
			fmt.Fprintf(w, "event: end\ndata: %s\n\n", data)
			flusher.Flush()
			return
		}
	}
}

type commandRequest struct {
	Command  string `json:"command"`
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (h *Handler) runCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}
	cc := &command.CommandContext{Platform: req.Platform, UserID: req.UserID, UserName: req.UserName}
	if cc.Platform == "" {
		cc.Platform = "rest"
	}
	result, err := h.commands.Dispatch(r.Context(), req.Command, cc)
	if err != nil {
		h.logger.Warn("command failed", zap.String("command", req.Command), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal not configured"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	records, err := h.journal.ListInvocations(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownSkill),
		errors.Is(err, actor.ErrUnknownCommand),
		errors.Is(err, orchestrator.ErrUnknownTask),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, skill.ErrUnknownInput),
		errors.Is(err, skill.ErrUnknownOutput):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInterpreterClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func splitErrors(err error) []string {
	var errs []string
	for _, e := range multierr.Errors(err) {
		errs = append(errs, e.Error())
	}
	return errs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
