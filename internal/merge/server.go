package merge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Handler struct {
	coordinator *Coordinator
	proposals   proposal.Repository
}

func NewHandler(coordinator *Coordinator, proposals proposal.Repository) *Handler {
	return &Handler{coordinator: coordinator, proposals: proposals}
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/diff", h.diff)
		r.Post("/{id}/approve", h.approve)
		r.Post("/{id}/reject", h.reject)
		r.Post("/{id}/resubmit", h.resubmit)
		r.Post("/{id}/retry", h.retry)
	})
}

type submitRequest struct {
	TaskID      string `json:"task_id"`
	Worker      string `json:"worker"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.TaskID == "" || req.Worker == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "task_id and worker are required", nil)
		return
	}
	p, err := h.coordinator.Submit(ctx, req.TaskID, req.Worker, req.Title, req.Description)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	proposals, total, err := h.proposals.List(ctx, proposal.Status(q.Get("status")), q.Get("task_id"), limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{
		"proposals": proposals,
		"total":     total,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.proposals.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *Handler) diff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	text, err := h.coordinator.RenderDiff(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"diff": text})
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Comments string `json:"comments"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Reviewer == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "reviewer is required", nil)
		return
	}
	p, err := h.coordinator.Approve(ctx, chi.URLParam(r, "id"), req.Reviewer, req.Comments)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Reviewer == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "reviewer is required", nil)
		return
	}
	p, err := h.coordinator.Reject(ctx, chi.URLParam(r, "id"), req.Reviewer, req.Comments)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

type resubmitRequest struct {
	Author string `json:"author"`
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req resubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	p, err := h.coordinator.Resubmit(ctx, chi.URLParam(r, "id"), req.Author)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

// retry requeues an escalated merge; for operators, after fixing whatever
// kept the merge failing.
func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.coordinator.Retry(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}
