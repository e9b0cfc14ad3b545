package invoicing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fontetax/fontetax/internal/ledger"
	"github.com/fontetax/fontetax/internal/platform/httpx"
)

type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}/lines", h.updateLines)
	r.Post("/{id}/finalize", h.finalize)
	r.Post("/{id}/certify", h.certify)
	r.Get("/{id}/outstanding", h.outstanding)
}

type lineRequest struct {
	Kind              string  `json:"kind" validate:"required,oneof=PRODUCT TAX ROUNDING NOTE"`
	Description       string  `json:"description"`
	AccountID         int64   `json:"account_id"`
	Quantity          float64 `json:"quantity"`
	UnitPrice         float64 `json:"unit_price"`
	Subtotal          float64 `json:"subtotal"`
	WithholdingRateID *int64  `json:"withholding_rate_id"`
}

type createRequest struct {
	DocType   string        `json:"doc_type" validate:"required,oneof=CUSTOMER_INVOICE VENDOR_BILL ENTRY"`
	CompanyID int64         `json:"company_id" validate:"required,gt=0"`
	PartnerID int64         `json:"partner_id" validate:"required,gt=0"`
	Date      string        `json:"date"`
	Lines     []lineRequest `json:"lines" validate:"dive"`
	// Opt-in prefill of the partner's default withholding rate onto unbound
	// PRODUCT lines. Off by default so an unbound line means unbound.
	PrefillDefaultRate bool `json:"prefill_default_rate"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inv := Invoice{
		DocType:   DocType(req.DocType),
		CompanyID: req.CompanyID,
		PartnerID: req.PartnerID,
		Lines:     toLines(req.Lines),
	}
	if req.Date != "" {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
			return
		}
		inv.Date = date
	}
	created, err := h.service.Create(r.Context(), inv, req.PrefillDefaultRate)
	if err != nil {
		h.respondError(w, err, "create invoice")
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Lines []lineRequest `json:"lines" validate:"dive"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	updated, err := h.service.UpdateLines(r.Context(), id, toLines(req.Lines))
	if err != nil {
		h.respondError(w, err, "update invoice lines")
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Finalize(r.Context(), id, actorID(r))
	if err != nil {
		h.respondError(w, err, "finalize invoice")
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) certify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Certify(r.Context(), id, actorID(r))
	if err != nil {
		h.respondError(w, err, "certify invoice")
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get invoice")
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company_id is required")
		return
	}
	out, err := h.service.List(r.Context(), companyID)
	if err != nil {
		h.respondError(w, err, "list invoices")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handler) outstanding(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	amount, err := h.service.Outstanding(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "invoice outstanding")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice_id": id, "outstanding": amount})
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotDraft), errors.Is(err, ErrNotPosted), errors.Is(err, ErrAlreadyCertified):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrUnknownRate), errors.Is(err, ErrNoLines),
		errors.Is(err, ledger.ErrUnbalanced), errors.Is(err, ledger.ErrJournalNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toLines(reqs []lineRequest) []Line {
	lines := make([]Line, 0, len(reqs))
	for _, l := range reqs {
		lines = append(lines, Line{
			Kind:              LineKind(l.Kind),
			Description:       l.Description,
			AccountID:         l.AccountID,
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			Subtotal:          l.Subtotal,
			WithholdingRateID: l.WithholdingRateID,
		})
	}
	return lines
}

// actorID reads the authenticated actor from the X-Actor-ID header placed by
// the gateway. Zero when absent.
func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	return id
}
