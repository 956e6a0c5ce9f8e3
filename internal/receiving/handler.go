package receiving

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

	"github.com/meridian-wms/meridian-wms/internal/allocation"
	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves inbound document endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the receiving HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receiving", h.create)
	r.Get("/receiving", h.list)
	r.Get("/receiving/{docID}", h.get)
	r.Post("/receiving/{docID}/transition", h.transition)
	r.Post("/receiving/{docID}/pallets", h.createPallets)
	r.Post("/receiving/{docID}/confirm", h.confirm)
}

func docIDFromURL(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "docID"), 10, 64)
	if err != nil {
		return 0, shared.ErrInvalidInput
	}
	return id, nil
}

type itemRequest struct {
	ProductID int64      `json:"product_id" validate:"required"`
	Lot       string     `json:"lot"`
	Quantity  string     `json:"quantity" validate:"required"`
	UnitValue string     `json:"unit_value"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createRequest struct {
	DepositID int64         `json:"deposit_id" validate:"required"`
	Supplier  string        `json:"supplier"`
	Items     []itemRequest `json:"items" validate:"required,min=1,dive"`
}

func parseDecimal(s string, required bool) (decimal.Decimal, error) {
	if s == "" && !required {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	items := make([]Item, 0, len(req.Items))
	for _, it := range req.Items {
		quantity, err := parseDecimal(it.Quantity, true)
		if err != nil || quantity.Sign() <= 0 {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		unitValue, err := parseDecimal(it.UnitValue, false)
		if err != nil {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		items = append(items, Item{
			ProductID: it.ProductID,
			Lot:       it.Lot,
			Quantity:  quantity,
			UnitValue: unitValue,
			ExpiresAt: it.ExpiresAt,
		})
	}
	doc, err := h.service.CreateDocument(r.Context(), Document{DepositID: req.DepositID, Supplier: req.Supplier}, items)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, toDocumentView(doc))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ListDocuments(r.Context(), Status(r.URL.Query().Get("status")))
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]documentView, 0, len(docs))
	for _, d := range docs {
		views = append(views, toDocumentView(d))
	}
	shared.RespondJSON(w, http.StatusOK, views)
}

type documentView struct {
	ID        int64     `json:"id"`
	Number    string    `json:"number"`
	DepositID int64     `json:"deposit_id"`
	Supplier  string    `json:"supplier,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toDocumentView(d Document) documentView {
	return documentView{
		ID:        d.ID,
		Number:    d.Number,
		DepositID: d.DepositID,
		Supplier:  d.Supplier,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	doc, items, pallets, history, err := h.service.GetDocument(r.Context(), docID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type itemView struct {
		ID        int64      `json:"id"`
		ProductID int64      `json:"product_id"`
		Lot       string     `json:"lot,omitempty"`
		Quantity  string     `json:"quantity"`
		UnitValue string     `json:"unit_value"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	type palletView struct {
		ID        int64      `json:"id"`
		Code      string     `json:"code"`
		ProductID int64      `json:"product_id"`
		Lot       string     `json:"lot,omitempty"`
		Quantity  string     `json:"quantity"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		Stocked   bool       `json:"stocked"`
	}
	type historyView struct {
		PreviousStatus string    `json:"previous_status,omitempty"`
		NewStatus      string    `json:"new_status"`
		Actor          string    `json:"actor"`
		Notes          string    `json:"notes,omitempty"`
		At             time.Time `json:"occurred_at"`
	}
	view := struct {
		documentView
		Items   []itemView    `json:"items"`
		Pallets []palletView  `json:"pallets"`
		History []historyView `json:"history"`
	}{documentView: toDocumentView(doc)}
	for _, it := range items {
		view.Items = append(view.Items, itemView{
			ID:        it.ID,
			ProductID: it.ProductID,
			Lot:       it.Lot,
			Quantity:  it.Quantity.String(),
			UnitValue: it.UnitValue.String(),
			ExpiresAt: it.ExpiresAt,
		})
	}
	for _, p := range pallets {
		view.Pallets = append(view.Pallets, palletView{
			ID:        p.ID,
			Code:      p.Code,
			ProductID: p.ProductID,
			Lot:       p.Lot,
			Quantity:  p.Quantity.String(),
			ExpiresAt: p.ExpiresAt,
			Stocked:   p.Stocked,
		})
	}
	for _, e := range history {
		view.History = append(view.History, historyView{
			PreviousStatus: string(e.PreviousStatus),
			NewStatus:      string(e.NewStatus),
			Actor:          e.Actor,
			Notes:          e.Notes,
			At:             e.At,
		})
	}
	shared.RespondJSON(w, http.StatusOK, view)
}

type transitionRequest struct {
	Status Status `json:"status" validate:"required"`
	Notes  string `json:"notes"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	doc, err := h.service.Transition(r.Context(), docID, req.Status, req.Notes)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDocumentView(doc))
}

type palletRequest struct {
	Code      string     `json:"code" validate:"required"`
	ProductID int64      `json:"product_id" validate:"required"`
	Lot       string     `json:"lot"`
	Quantity  string     `json:"quantity" validate:"required"`
	UnitValue string     `json:"unit_value"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createPallets(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Pallets []palletRequest `json:"pallets" validate:"required,min=1,dive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	pallets := make([]allocation.Pallet, 0, len(req.Pallets))
	for _, p := range req.Pallets {
		quantity, err := parseDecimal(p.Quantity, true)
		if err != nil || quantity.Sign() <= 0 {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		unitValue, err := parseDecimal(p.UnitValue, false)
		if err != nil {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		pallets = append(pallets, allocation.Pallet{
			Code:      p.Code,
			ProductID: p.ProductID,
			Lot:       p.Lot,
			Quantity:  quantity,
			UnitValue: unitValue,
			ExpiresAt: p.ExpiresAt,
		})
	}
	created, err := h.service.CreatePallets(r.Context(), docID, pallets)
	if err != nil {
		h.respondError(w, err)
		return
	}
	ids := make([]int64, 0, len(created))
	for _, p := range created {
		ids = append(ids, p.ID)
	}
	shared.RespondJSON(w, http.StatusCreated, map[string]any{"pallet_ids": ids})
}

type confirmRequest struct {
	Assignments []struct {
		PalletID   int64 `json:"pallet_id" validate:"required"`
		PositionID int64 `json:"position_id" validate:"required"`
	} `json:"assignments" validate:"required,min=1,dive"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	assignments := make([]PalletAssignment, 0, len(req.Assignments))
	for _, a := range req.Assignments {
		assignments = append(assignments, PalletAssignment{PalletID: a.PalletID, PositionID: a.PositionID})
	}
	doc, err := h.service.Confirm(r.Context(), docID, assignments)
	if err != nil {
		if errors.Is(err, ErrConfirmIncomplete) {
			shared.RespondError(w, http.StatusMultiStatus, err)
			return
		}
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDocumentView(doc))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		shared.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, shared.ErrInvalidInput):
		shared.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, registry.ErrPositionUnavailable),
		errors.Is(err, allocation.ErrPalletAlreadyBound):
		shared.RespondError(w, http.StatusConflict, err)
	case errors.Is(err, ErrPalletsUnassigned), errors.Is(err, ErrNoPallets):
		shared.RespondError(w, http.StatusUnprocessableEntity, err)
	default:
		h.logger.Error("receiving request", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
	}
}
