package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves stock projection queries and manual adjustments.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the ledger HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock", h.project)
	r.Get("/stock/movements", h.history)
	r.Post("/stock/adjustments", h.adjust)
	r.Post("/stock/refresh", h.refresh)
	r.Get("/stock/verify", h.verify)
}

type projectionView struct {
	ProductID         int64      `json:"product_id"`
	Lot               string     `json:"lot,omitempty"`
	DepositID         int64      `json:"deposit_id"`
	QuantityCurrent   string     `json:"quantity_current"`
	QuantityReserved  string     `json:"quantity_reserved"`
	QuantityAvailable string     `json:"quantity_available"`
	AverageValue      string     `json:"average_value"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

func toProjectionView(p Projection) projectionView {
	view := projectionView{
		ProductID:         p.ProductID,
		Lot:               p.Lot,
		DepositID:         p.DepositID,
		QuantityCurrent:   p.QuantityCurrent.String(),
		QuantityReserved:  p.QuantityReserved.String(),
		QuantityAvailable: p.QuantityAvailable().String(),
		AverageValue:      p.AverageValue.String(),
	}
	if !p.UpdatedAt.IsZero() {
		at := p.UpdatedAt
		view.UpdatedAt = &at
	}
	return view
}

func levelKeyFromQuery(r *http.Request) (LevelKey, error) {
	productID, err := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	if err != nil {
		return LevelKey{}, shared.ErrInvalidInput
	}
	depositID, err := strconv.ParseInt(r.URL.Query().Get("deposit_id"), 10, 64)
	if err != nil {
		return LevelKey{}, shared.ErrInvalidInput
	}
	return LevelKey{ProductID: productID, Lot: r.URL.Query().Get("lot"), DepositID: depositID}, nil
}

func (h *Handler) project(w http.ResponseWriter, r *http.Request) {
	key, err := levelKeyFromQuery(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	projection, err := h.service.Project(r.Context(), key)
	if err != nil {
		h.logger.Error("project stock", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toProjectionView(projection))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	key, err := levelKeyFromQuery(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := h.service.History(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("stock history", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	type movementView struct {
		ID          int64     `json:"id"`
		Type        string    `json:"type"`
		Quantity    string    `json:"quantity"`
		UnitValue   string    `json:"unit_value"`
		OccurredAt  time.Time `json:"occurred_at"`
		Reference   string    `json:"reference_type,omitempty"`
		ReferenceID string    `json:"reference_id,omitempty"`
		Actor       string    `json:"actor,omitempty"`
	}
	views := make([]movementView, 0, len(movements))
	for _, m := range movements {
		views = append(views, movementView{
			ID:          m.ID,
			Type:        string(m.Type),
			Quantity:    m.Quantity.String(),
			UnitValue:   m.UnitValue.String(),
			OccurredAt:  m.OccurredAt,
			Reference:   m.ReferenceType,
			ReferenceID: m.ReferenceID,
			Actor:       m.Actor,
		})
	}
	shared.RespondJSON(w, http.StatusOK, views)
}

type adjustmentRequest struct {
	ProductID   int64  `json:"product_id" validate:"required"`
	Lot         string `json:"lot"`
	DepositID   int64  `json:"deposit_id" validate:"required"`
	Quantity    string `json:"quantity" validate:"required"`
	UnitValue   string `json:"unit_value"`
	Reference   string `json:"reference_type"`
	ReferenceID string `json:"reference_id"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	unitValue := decimal.Zero
	if req.UnitValue != "" {
		if unitValue, err = decimal.NewFromString(req.UnitValue); err != nil {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
	}
	movement, err := h.service.Record(r.Context(), Movement{
		Type:          MovementAdjustment,
		ProductID:     req.ProductID,
		Lot:           req.Lot,
		DepositID:     req.DepositID,
		Quantity:      quantity,
		UnitValue:     unitValue,
		ReferenceType: req.Reference,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			shared.RespondError(w, http.StatusConflict, err)
			return
		}
		h.logger.Error("record adjustment", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, map[string]any{"id": movement.ID})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Refresh(r.Context()); err != nil {
		h.logger.Error("refresh projection", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	err := h.service.VerifyConsistency(r.Context())
	if err == nil {
		shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
		return
	}
	var consistency *ConsistencyError
	if errors.As(err, &consistency) {
		shared.RespondError(w, http.StatusConflict, err)
		return
	}
	h.logger.Error("verify projection", slog.Any("error", err))
	shared.RespondError(w, http.StatusInternalServerError, err)
}
