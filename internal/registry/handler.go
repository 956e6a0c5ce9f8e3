package registry

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

// Handler serves position queries for the UI layer.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the registry HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches registry routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/positions/{positionID}", h.getPosition)
	r.Get("/deposits/{depositID}/positions", h.listPositions)
}

type positionView struct {
	ID            int64      `json:"id"`
	Code          string     `json:"code"`
	DepositID     int64      `json:"deposit_id"`
	Active        bool       `json:"active"`
	State         string     `json:"state"`
	ReservedBy    string     `json:"reserved_by_wave,omitempty"`
	ReservedUntil *time.Time `json:"reserved_until,omitempty"`
}

func toPositionView(p StoragePosition, now time.Time) positionView {
	view := positionView{
		ID:        p.ID,
		Code:      p.Code,
		DepositID: p.DepositID,
		Active:    p.Active,
		State:     string(p.State(now).Kind),
	}
	if wave, until, ok := p.Hold(now); ok {
		view.ReservedBy = wave.String()
		view.ReservedUntil = &until
	}
	return view
}

func (h *Handler) getPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	pos, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrPositionNotFound) {
		shared.RespondError(w, http.StatusNotFound, shared.ErrNotFound)
		return
	}
	if err != nil {
		h.logger.Error("get position", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toPositionView(pos, time.Now().UTC()))
}

func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	depositID, err := strconv.ParseInt(chi.URLParam(r, "depositID"), 10, 64)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	positions, err := h.service.ListByDeposit(r.Context(), depositID)
	if err != nil {
		h.logger.Error("list positions", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	now := time.Now().UTC()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, toPositionView(p, now))
	}
	shared.RespondJSON(w, http.StatusOK, views)
}
