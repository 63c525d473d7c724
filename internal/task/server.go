package task

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Handler struct {
	repo Repository
	bus  *eventbus.Bus
}

func NewHandler(repo Repository, bus *eventbus.Bus) *Handler {
	return &Handler{repo: repo, bus: bus}
}

// Register adds the CRUD routes onto the /tasks subrouter. The claim routes
// register on the same subrouter.
func (h *Handler) Register(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/status", h.updateStatus)
}

type createRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Title == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "title is required", nil)
		return
	}
	t := New(req.Title, req.Description, req.Metadata)
	if err := h.repo.Create(ctx, t); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	h.bus.PublishNew(eventbus.TypeTaskCreated, t.ID, "", nil)
	cerr.SetJSONResponse(ctx, t)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, total, err := h.repo.List(ctx, Status(q.Get("status")), q.Get("owner"), limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := h.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type updateStatusRequest struct {
	Expected Status `json:"expected"`
	Next     Status `json:"next"`
	Owner    string `json:"owner,omitempty"`
}

// updateStatus is the raw CAS endpoint. The claim/merge coordinators cover
// the usual transitions; this exists for operators fixing up stuck records.
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := h.repo.UpdateStatus(ctx, chi.URLParam(r, "id"), req.Expected, req.Next, req.Owner, nil)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
