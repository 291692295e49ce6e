package shipments

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
	"github.com/lodestar-erp/lodestar-erp/internal/rbac"
	"github.com/lodestar-erp/lodestar-erp/internal/shared"
)

type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    rbac.Middleware
}

func NewHandler(logger *slog.Logger, service *Service, guard rbac.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		guard:    guard,
	}
}

// MountRoutes registers shipment endpoints. Reads on a single shipment fall
// back to ownership when the caller lacks the read grant.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.ResourceShipments, shared.ActionRead))
		r.Get("/shipments", h.list)
	})
	r.Get("/shipments/{shipmentID}", h.withGuard(
		h.guard.RequireOrOwner(shared.ResourceShipments, shared.ActionRead, "shipment", "shipmentID"), h.get))
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.ResourceShipments, shared.ActionCreate))
		r.Post("/shipments", h.create)
	})
	r.Patch("/shipments/{shipmentID}/status", h.withGuard(
		h.guard.RequireOrOwner(shared.ResourceShipments, shared.ActionUpdate, "shipment", "shipmentID"), h.updateStatus))
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(shared.ResourceShipments, shared.ActionDelete))
		r.Delete("/shipments/{shipmentID}", h.remove)
	})
}

func (h *Handler) withGuard(mw func(http.Handler) http.Handler, fn http.HandlerFunc) http.HandlerFunc {
	return mw(fn).ServeHTTP
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	resp, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, "list shipments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sh, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get shipment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.guard.CurrentUserID(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no active session")
		return
	}
	var req CreateShipmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sh, err := h.service.Create(r.Context(), userID, req)
	if err != nil {
		h.fail(w, r, "create shipment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sh)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sh, err := h.service.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, "update shipment status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete shipment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid shipmentID")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op, slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
