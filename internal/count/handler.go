package count

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

	"github.com/meridian-wms/meridian-wms/internal/catalog"
	"github.com/meridian-wms/meridian-wms/internal/shared"
)

var validate = validator.New()

// Handler serves inventory count endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the count HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes attaches count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/counts", h.createSession)
	r.Get("/counts", h.listSessions)
	r.Get("/counts/{sessionID}", h.getSession)
	r.Post("/counts/{sessionID}/positions/{positionID}/start", h.startTask)
	r.Post("/counts/{sessionID}/positions/{positionID}/scans", h.recordScan)
	r.Post("/counts/{sessionID}/positions/{positionID}/complete", h.completeTask)
	r.Post("/counts/divergences/{divergenceID}/justify", h.justify)
	r.Post("/counts/divergences/{divergenceID}/adjust", h.adjust)
}

func int64Param(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, shared.ErrInvalidInput
	}
	return id, nil
}

type sessionView struct {
	ID               int64      `json:"id"`
	Number           string     `json:"number"`
	DepositID        int64      `json:"deposit_id"`
	Status           string     `json:"status"`
	TotalPositions   int        `json:"total_positions"`
	CountedPositions int        `json:"counted_positions"`
	PercentComplete  float64    `json:"percent_complete"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func toSessionView(s Session) sessionView {
	return sessionView{
		ID:               s.ID,
		Number:           s.Number,
		DepositID:        s.DepositID,
		Status:           string(s.Status),
		TotalPositions:   s.TotalPositions,
		CountedPositions: s.CountedPositions,
		PercentComplete:  s.PercentComplete(),
		CreatedAt:        s.CreatedAt,
		CompletedAt:      s.CompletedAt,
	}
}

type divergenceView struct {
	ID             int64  `json:"id"`
	PositionID     int64  `json:"position_id"`
	ProductID      int64  `json:"product_id"`
	Lot            string `json:"lot,omitempty"`
	QuantityFound  string `json:"quantity_found"`
	QuantitySystem string `json:"quantity_system"`
	Difference     string `json:"difference"`
	Classification string `json:"classification"`
	Justification  string `json:"justification,omitempty"`
	ValueImpact    string `json:"value_impact"`
	Status         string `json:"status"`
}

func toDivergenceView(d Divergence) divergenceView {
	return divergenceView{
		ID:             d.ID,
		PositionID:     d.PositionID,
		ProductID:      d.ProductID,
		Lot:            d.Lot,
		QuantityFound:  d.QuantityFound.String(),
		QuantitySystem: d.QuantitySystem.String(),
		Difference:     d.Difference.String(),
		Classification: string(d.Classification),
		Justification:  d.Justification,
		ValueImpact:    d.ValueImpact.String(),
		Status:         string(d.Status),
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepositID   int64   `json:"deposit_id" validate:"required"`
		PositionIDs []int64 `json:"position_ids" validate:"required,min=1"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	session, err := h.service.CreateSession(r.Context(), req.DepositID, req.PositionIDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, toSessionView(session))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListSessions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	shared.RespondJSON(w, http.StatusOK, views)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := int64Param(r, "sessionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	session, tasks, divergences, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type taskView struct {
		PositionID  int64      `json:"position_id"`
		Status      string     `json:"status"`
		CountedBy   string     `json:"counted_by,omitempty"`
		StartedAt   *time.Time `json:"started_at,omitempty"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}
	view := struct {
		sessionView
		Tasks       []taskView       `json:"tasks"`
		Divergences []divergenceView `json:"divergences"`
	}{sessionView: toSessionView(session)}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, taskView{
			PositionID:  t.PositionID,
			Status:      string(t.Status),
			CountedBy:   t.CountedBy,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	for _, d := range divergences {
		view.Divergences = append(view.Divergences, toDivergenceView(d))
	}
	shared.RespondJSON(w, http.StatusOK, view)
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	sessionID, err := int64Param(r, "sessionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	positionID, err := int64Param(r, "positionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	task, err := h.service.StartTask(r.Context(), sessionID, positionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{
		"position_id": task.PositionID,
		"status":      string(task.Status),
		"counted_by":  task.CountedBy,
	})
}

func (h *Handler) recordScan(w http.ResponseWriter, r *http.Request) {
	sessionID, err := int64Param(r, "sessionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	positionID, err := int64Param(r, "positionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Barcode       string `json:"barcode" validate:"required"`
		Lot           string `json:"lot"`
		QuantityFound string `json:"quantity_found" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	quantity, err := decimal.NewFromString(req.QuantityFound)
	if err != nil || quantity.Sign() < 0 {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	scan, divergence, err := h.service.RecordScan(r.Context(), sessionID, positionID, req.Barcode, req.Lot, quantity)
	if err != nil {
		h.respondError(w, err)
		return
	}
	response := map[string]any{
		"scan_id":         scan.ID,
		"quantity_system": scan.QuantitySystem.String(),
	}
	if divergence != nil {
		response["divergence"] = toDivergenceView(*divergence)
	}
	shared.RespondJSON(w, http.StatusCreated, response)
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	sessionID, err := int64Param(r, "sessionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	positionID, err := int64Param(r, "positionID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.service.CompleteTask(r.Context(), sessionID, positionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toSessionView(session))
}

func (h *Handler) justify(w http.ResponseWriter, r *http.Request) {
	divergenceID, err := int64Param(r, "divergenceID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Justification string `json:"justification" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	if err := validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, shared.ErrInvalidInput)
		return
	}
	divergence, err := h.service.JustifyDivergence(r.Context(), divergenceID, req.Justification)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDivergenceView(divergence))
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	divergenceID, err := int64Param(r, "divergenceID")
	if err != nil {
		shared.RespondError(w, http.StatusBadRequest, err)
		return
	}
	divergence, err := h.service.AdjustDivergence(r.Context(), divergenceID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, toDivergenceView(divergence))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrDivergenceNotFound),
		errors.Is(err, catalog.ErrProductNotFound):
		shared.RespondError(w, http.StatusNotFound, err)
	case errors.Is(err, shared.ErrInvalidInput):
		shared.RespondError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrTaskAlreadyStarted),
		errors.Is(err, ErrTaskNotInProgress),
		errors.Is(err, ErrTaskCompleted),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrDivergenceClosed):
		shared.RespondError(w, http.StatusConflict, err)
	default:
		h.logger.Error("count request", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, err)
	}
}
