package wave

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves wave planning endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the wave HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches wave routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/waves/{waveID}/plan", h.plan)
	r.Post("/waves/{waveID}/auto-allocate", h.autoAllocate)
	r.Delete("/waves/{waveID}/reservations", h.reset)
	r.Get("/waves/{waveID}/allocations", h.allocations)
}

type demandLineRequest struct {
	DocumentID int64  `json:"document_id"`
	ProductID  int64  `json:"product_id" validate:"required"`
	Lot        string `json:"lot"`
	DepositID  int64  `json:"deposit_id" validate:"required"`
	Quantity   string `json:"quantity" validate:"required"`
}

type planRequest struct {
	Demand []demandLineRequest `json:"demand" validate:"required,min=1,dive"`
}

type placementView struct {
	ProductID  int64  `json:"product_id"`
	Lot        string `json:"lot,omitempty"`
	PositionID int64  `json:"position_id"`
	PalletID   int64  `json:"pallet_id"`
	DepositID  int64  `json:"deposit_id"`
	Quantity   string `json:"quantity"`
}

type planView struct {
	WaveID        uuid.UUID       `json:"wave_id"`
	ReservedUntil time.Time       `json:"reserved_until"`
	Placements    []placementView `json:"placements"`
	Unsatisfied   []string        `json:"unsatisfied,omitempty"`
}

func toPlanView(plan PlacementPlan) planView {
	view := planView{
		WaveID:        plan.WaveID,
		ReservedUntil: plan.ReservedUntil,
		Placements:    make([]placementView, 0, len(plan.Placements)),
	}
	for _, p := range plan.Placements {
		view.Placements = append(view.Placements, placementView{
			ProductID:  p.Line.ProductID,
			Lot:        p.Lot,
			PositionID: p.PositionID,
			PalletID:   p.PalletID,
			DepositID:  p.DepositID,
			Quantity:   p.Quantity.String(),
		})
	}
	for _, l := range plan.Unsatisfied {
		view.Unsatisfied = append(view.Unsatisfied, l.String())
	}
	return view
}

func waveIDFromURL(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "waveID"))
	if err != nil {
		return uuid.Nil, shared.ErrInvalidInput
	}
	return id, nil
}

func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	waveID, err := waveIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	demand := make([]DemandLine, 0, len(req.Demand))
	for _, line := range req.Demand {
		quantity, err := decimal.NewFromString(line.Quantity)
		if err != nil || quantity.Sign() <= 0 {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		demand = append(demand, DemandLine{
			DocumentID: line.DocumentID,
			ProductID:  line.ProductID,
			Lot:        line.Lot,
			DepositID:  line.DepositID,
			Quantity:   quantity,
		})
	}
	plan, err := h.service.DefinePositions(r.Context(), waveID, demand)
	if err != nil {
		h.respondWaveError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toPlanView(plan))
}

func (h *Handler) autoAllocate(w http.ResponseWriter, r *http.Request) {
	waveID, err := waveIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	plan, err := h.service.AutoAllocate(r.Context(), waveID)
	if err != nil && !errors.Is(err, ErrPartialFailure) {
		h.respondWaveError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		// satisfied lines keep their holds; the caller sees which lines failed
		status = http.StatusMultiStatus
	}
	shared.RespondJSON(w, status, toPlanView(plan))
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	waveID, err := waveIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	released, err := h.service.ResetPositions(r.Context(), waveID)
	if err != nil {
		h.respondWaveError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]int{"released": released})
}

func (h *Handler) allocations(w http.ResponseWriter, r *http.Request) {
	waveID, err := waveIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), waveID)
	if err != nil {
		h.respondWaveError(w, err)
		return
	}
	type allocationView struct {
		ID         int64      `json:"id"`
		DocumentID int64      `json:"document_id,omitempty"`
		PositionID int64      `json:"position_id"`
		ProductID  int64      `json:"product_id"`
		Lot        string     `json:"lot,omitempty"`
		DepositID  int64      `json:"deposit_id"`
		Quantity   string     `json:"quantity"`
		Status     string     `json:"status"`
		CreatedAt  time.Time  `json:"created_at"`
		SettledAt  *time.Time `json:"settled_at,omitempty"`
	}
	views := make([]allocationView, 0, len(allocations))
	for _, a := range allocations {
		views = append(views, allocationView{
			ID:         a.ID,
			DocumentID: a.DocumentID,
			PositionID: a.PositionID,
			ProductID:  a.ProductID,
			Lot:        a.Lot,
			DepositID:  a.DepositID,
			Quantity:   a.Quantity.String(),
			Status:     string(a.Status),
			CreatedAt:  a.CreatedAt,
			SettledAt:  a.SettledAt,
		})
	}
	shared.RespondJSON(w, http.StatusOK, views)
}

func (h *Handler) respondWaveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoDemand):
		shared.RespondError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, shared.ErrLockHeld):
		shared.RespondError(w, http.StatusConflict, err)
	default:
		h.logger.Error("wave request", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
	}
}
