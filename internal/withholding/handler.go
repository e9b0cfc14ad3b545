package withholding

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fontetax/fontetax/internal/platform/httpx"
	"github.com/fontetax/fontetax/internal/shared"
)

type Handler struct {
	logger   *slog.Logger
	service  *Service
	reporter *Reporter
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service, reporter *Reporter) *Handler {
	return &Handler{logger: logger, service: service, reporter: reporter, validate: validator.New()}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/rates", h.listRates)
	r.Post("/rates", h.createRate)
	r.Get("/rates/{id}", h.getRate)
	r.Put("/rates/{id}", h.updateRate)
	r.Get("/report", h.report)
}

type rateRequest struct {
	Name       string  `json:"name" validate:"required"`
	Code       string  `json:"code" validate:"required"`
	Category   string  `json:"category" validate:"required,oneof=II IPU IAC"`
	Percentage float64 `json:"percentage" validate:"required,gt=0,lte=100"`
	AccountID  *int64  `json:"account_id"`
	CompanyID  int64   `json:"company_id" validate:"required,gt=0"`
	IsActive   bool    `json:"is_active"`
}

func (h *Handler) listRates(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company_id is required")
		return
	}
	rates, err := h.service.List(r.Context(), companyID)
	if err != nil {
		h.logger.Error("list withholding rates", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rates": rates})
}

func (h *Handler) getRate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid rate id")
		return
	}
	rate, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrRateNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("get withholding rate", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, rate)
}

func (h *Handler) createRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rate, err := h.service.Create(r.Context(), Rate{
		Name:       req.Name,
		Code:       req.Code,
		Category:   Category(req.Category),
		Percentage: req.Percentage,
		AccountID:  req.AccountID,
		CompanyID:  req.CompanyID,
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateCode) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "rate code already in use")
			return
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, rate)
}

func (h *Handler) updateRate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid rate id")
		return
	}
	var req rateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err = h.service.Update(r.Context(), id, Rate{
		Name:       req.Name,
		Code:       req.Code,
		Category:   Category(req.Category),
		Percentage: req.Percentage,
		AccountID:  req.AccountID,
		CompanyID:  req.CompanyID,
		IsActive:   req.IsActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRateNotFound):
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		case errors.Is(err, shared.ErrDuplicateCode):
			httpx.Problem(w, http.StatusConflict, "Conflict", "rate code already in use")
		default:
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

type reportRequest struct {
	CompanyID int64  `validate:"required,gt=0"`
	From      string `validate:"required,datetime=2006-01-02"`
	To        string `validate:"required,datetime=2006-01-02"`
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	companyID, _ := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	req := reportRequest{
		CompanyID: companyID,
		From:      r.URL.Query().Get("from"),
		To:        r.URL.Query().Get("to"),
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company_id, from and to (YYYY-MM-DD) are required")
		return
	}
	from, _ := time.Parse("2006-01-02", req.From)
	to, _ := time.Parse("2006-01-02", req.To)
	report, err := h.reporter.PeriodReport(r.Context(), req.CompanyID, from, to)
	if err != nil {
		if errors.Is(err, ErrNoInvoicesInPeriod) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
			return
		}
		h.logger.Error("withholding report", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
