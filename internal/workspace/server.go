package workspace

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Handler struct {
	service *Service
	repo    Repository
}

func NewHandler(service *Service, repo Repository) *Handler {
	return &Handler{service: service, repo: repo}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/workspaces", func(r chi.Router) {
		r.Post("/", h.register)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/sync", h.sync)
		r.Post("/{id}/heartbeat", h.heartbeat)
	})
}

type registerRequest struct {
	Worker string `json:"worker"`
	Root   string `json:"root"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Worker == "" || req.Root == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "worker and root are required", nil)
		return
	}
	ws, err := h.service.Register(ctx, req.Worker, req.Root)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ws)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaces, err := h.repo.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"workspaces": workspaces})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := h.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ws)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := h.service.Sync(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if gittree.IsConflict(err) {
			cerr.SetNewJSONError(ctx, cerr.Aborted, "workspace diverged from trunk", err)
			return
		}
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ws)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.service.Touch(ctx, chi.URLParam(r, "id"))
	cerr.SetJSONResponse(ctx, map[string]string{"status": "ok"})
}
