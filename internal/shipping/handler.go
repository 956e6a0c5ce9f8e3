package shipping

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves outbound document endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the shipping HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches shipping routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/shipping", h.create)
	r.Get("/shipping", h.list)
	r.Get("/shipping/{docID}", h.get)
	r.Post("/shipping/{docID}/transition", h.transition)
	r.Post("/shipping/{docID}/approval", h.approval)
	r.Post("/shipping/{docID}/dispatch", h.dispatch)
	r.Post("/shipping/{docID}/cancel", h.cancel)
}

func docIDFromURL(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "docID"), 10, 64)
	if err != nil {
		return 0, shared.ErrInvalidInput
	}
	return id, nil
}

type documentView struct {
	ID        int64      `json:"id"`
	Number    string     `json:"number"`
	DepositID int64      `json:"deposit_id"`
	WaveID    *uuid.UUID `json:"wave_id,omitempty"`
	Customer  string     `json:"customer,omitempty"`
	Status    string     `json:"status"`
	Approval  string     `json:"approval_status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func toDocumentView(d Document) documentView {
	return documentView{
		ID:        d.ID,
		Number:    d.Number,
		DepositID: d.DepositID,
		WaveID:    d.WaveID,
		Customer:  d.Customer,
		Status:    string(d.Status),
		Approval:  string(d.Approval),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type itemRequest struct {
	ProductID int64  `json:"product_id" validate:"required"`
	Lot       string `json:"lot"`
	Quantity  string `json:"quantity" validate:"required"`
	UnitValue string `json:"unit_value"`
}

type createRequest struct {
	DepositID int64         `json:"deposit_id" validate:"required"`
	WaveID    *uuid.UUID    `json:"wave_id"`
	Customer  string        `json:"customer"`
	Items     []itemRequest `json:"items" validate:"required,min=1,dive"`
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
		quantity, err := decimal.NewFromString(it.Quantity)
		if err != nil || quantity.Sign() <= 0 {
			shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
			return
		}
		unitValue := decimal.Zero
		if it.UnitValue != "" {
			if unitValue, err = decimal.NewFromString(it.UnitValue); err != nil {
				shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
				return
			}
		}
		items = append(items, Item{ProductID: it.ProductID, Lot: it.Lot, Quantity: quantity, UnitValue: unitValue})
	}
	doc, err := h.service.CreateDocument(r.Context(), Document{
		DepositID: req.DepositID,
		WaveID:    req.WaveID,
		Customer:  req.Customer,
	}, items)
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

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	doc, items, history, err := h.service.GetDocument(r.Context(), docID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type itemView struct {
		ID        int64  `json:"id"`
		ProductID int64  `json:"product_id"`
		Lot       string `json:"lot,omitempty"`
		Quantity  string `json:"quantity"`
		UnitValue string `json:"unit_value"`
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
		History []historyView `json:"history"`
	}{documentView: toDocumentView(doc)}
	for _, it := range items {
		view.Items = append(view.Items, itemView{
			ID:        it.ID,
			ProductID: it.ProductID,
			Lot:       it.Lot,
			Quantity:  it.Quantity.String(),
			UnitValue: it.UnitValue.String(),
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

func (h *Handler) approval(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Approval ApprovalStatus `json:"approval_status" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	doc, err := h.service.SetApproval(r.Context(), docID, req.Approval)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDocumentView(doc))
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	doc, err := h.service.Dispatch(r.Context(), docID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDocumentView(doc))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	docID, err := docIDFromURL(r)
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	doc, err := h.service.Cancel(r.Context(), docID, req.Notes)
	if err != nil {
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
		errors.Is(err, ErrApprovalRequired),
		errors.Is(err, ErrApprovalLocked),
		errors.Is(err, ledger.ErrInsufficientStock):
		shared.RespondError(w, http.StatusConflict, err)
	default:
		h.logger.Error("shipping request", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
	}
}
