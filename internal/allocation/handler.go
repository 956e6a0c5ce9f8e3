package allocation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves pallet allocation endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the allocation HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/pallets/{palletID}/allocation", h.allocate)
	r.Put("/pallets/{palletID}/allocation", h.reallocate)
	r.Delete("/pallets/{palletID}/allocation", h.remove)
	r.Get("/pallets/{palletID}/allocation", h.get)
}

type allocateRequest struct {
	PositionID int64  `json:"position_id" validate:"required"`
	Notes      string `json:"notes"`
}

type bindingView struct {
	ID          int64     `json:"id"`
	PalletID    int64     `json:"pallet_id"`
	PositionID  int64     `json:"position_id"`
	AllocatedAt time.Time `json:"allocated_at"`
	AllocatedBy string    `json:"allocated_by,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

func toBindingView(b PalletBinding) bindingView {
	return bindingView{
		ID:          b.ID,
		PalletID:    b.PalletID,
		PositionID:  b.PositionID,
		AllocatedAt: b.AllocatedAt,
		AllocatedBy: b.AllocatedBy,
		Notes:       b.Notes,
	}
}

func palletIDFromURL(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "palletID"), 10, 64)
	if err != nil {
		return 0, shared.ErrInvalidInput
	}
	return id, nil
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	palletID, err := palletIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	binding, err := h.service.Allocate(r.Context(), palletID, req.PositionID, req.Notes)
	if err != nil {
		h.respondAllocationError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, toBindingView(binding))
}

func (h *Handler) reallocate(w http.ResponseWriter, r *http.Request) {
	palletID, err := palletIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	binding, err := h.service.Reallocate(r.Context(), palletID, req.PositionID, req.Notes)
	if err != nil {
		h.respondAllocationError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toBindingView(binding))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	palletID, err := palletIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.service.Remove(r.Context(), palletID); err != nil {
		h.respondAllocationError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	palletID, err := palletIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	binding, err := h.service.GetBinding(r.Context(), palletID)
	if err != nil {
		h.respondAllocationError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toBindingView(binding))
}

func (h *Handler) respondAllocationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPalletNotFound),
		errors.Is(err, ErrBindingNotFound),
		errors.Is(err, registry.ErrPositionNotFound):
		shared.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrPalletAlreadyBound),
		errors.Is(err, ErrPalletAlreadyStocked),
		errors.Is(err, registry.ErrPositionUnavailable):
		shared.RespondError(w, http.StatusConflict, err)
	default:
		h.logger.Error("allocation request", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
	}
}
