package claim

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Handler struct {
	coordinator *Coordinator
}

func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// Register adds the claim routes onto the /tasks subrouter shared with the
// task handler.
func (h *Handler) Register(r chi.Router) {
	r.Post("/claim", h.claim)
	r.Post("/{id}/renew", h.renew)
	r.Post("/{id}/release", h.release)
}

type workerRequest struct {
	Worker string `json:"worker"`
}

func decodeWorker(r *http.Request) (string, error) {
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	if req.Worker == "" {
		return "", cerr.NewError(cerr.InvalidArgument, "worker is required", nil)
	}
	return req.Worker, nil
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker, err := decodeWorker(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.coordinator.Claim(ctx, worker)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker, err := decodeWorker(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.coordinator.Renew(ctx, chi.URLParam(r, "id"), worker)
	if err != nil {
		var expired *LeaseExpiredError
		if errors.As(err, &expired) {
			err = cerr.NewError(cerr.FailedPrecondition, expired.Error(), err)
		}
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker, err := decodeWorker(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := h.coordinator.Release(ctx, chi.URLParam(r, "id"), worker)
	if err != nil {
		cerr.SetJSONError(ctx, ledger.ToAPIError(err))
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
