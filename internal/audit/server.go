package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/mergeguild/pkg/cerr"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/audit", h.list)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	entries, err := h.repo.List(ctx, q.Get("resource_kind"), q.Get("resource_id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"entries": entries})
}
