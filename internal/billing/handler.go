package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/EastsCloud/property-management/internal/platform/httpx"
)

// IdempotencyHeader carries the client supplied key of a payment request.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the billing JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/owners", func(r chi.Router) {
		r.Get("/", h.listOwners)
		r.Post("/", h.createOwner)
		r.Get("/{id}", h.getOwner)
		r.Put("/{id}", h.updateOwner)
		r.Delete("/{id}", h.deleteOwner)
		r.Get("/{id}/statement", h.ownerStatement)
	})
	r.Route("/charge-types", func(r chi.Router) {
		r.Get("/", h.listChargeTypes)
		r.Post("/", h.createChargeType)
		r.Get("/{id}", h.getChargeType)
	})
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Post("/", h.createInvoice)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/reconcile", h.reconcileInvoice)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Get("/", h.listPayments)
		r.Post("/", h.recordPayment)
	})
	r.Get("/summary", h.summary)
	r.Get("/audit", h.audit)
	r.Post("/audit/repair", h.repair)
	r.Post("/overdue/sweep", h.sweepOverdue)
}

// --- Owners ---

func (h *Handler) listOwners(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	owners, err := h.service.ListOwners(r.Context(), OwnerFilter{
		Search: strings.TrimSpace(r.URL.Query().Get("q")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, owners)
}

func (h *Handler) createOwner(w http.ResponseWriter, r *http.Request) {
	var input OwnerInput
	if !decode(w, r, &input) {
		return
	}
	owner, err := h.service.CreateOwner(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, owner)
}

func (h *Handler) getOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	owner, err := h.service.GetOwner(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, owner)
}

func (h *Handler) updateOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input OwnerInput
	if !decode(w, r, &input) {
		return
	}
	owner, err := h.service.UpdateOwner(r.Context(), id, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, owner)
}

func (h *Handler) deleteOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteOwner(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ownerStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	statement, err := h.service.OwnerStatement(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statement)
}

// --- Charge types ---

func (h *Handler) listChargeTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.ListChargeTypes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, types)
}

func (h *Handler) createChargeType(w http.ResponseWriter, r *http.Request) {
	var input ChargeTypeInput
	if !decode(w, r, &input) {
		return
	}
	ct, err := h.service.CreateChargeType(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ct)
}

func (h *Handler) getChargeType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ct, err := h.service.GetChargeType(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ct)
}

// --- Invoices ---

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	ownerID, ok := queryID(w, r, "owner_id")
	if !ok {
		return
	}
	invoices, err := h.service.ListInvoices(r.Context(), InvoiceFilter{
		Status:  InvoiceStatus(r.URL.Query().Get("status")),
		OwnerID: ownerID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoices)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	if fields := fieldErrors(validate.Struct(req)); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	input, err := req.toInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	invoice, err := h.service.CreateInvoice(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoice)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetInvoiceDetail(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) reconcileInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	invoice, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

// --- Payments ---

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	ownerID, ok := queryID(w, r, "owner_id")
	if !ok {
		return
	}
	invoiceID, ok := queryID(w, r, "invoice_id")
	if !ok {
		return
	}
	payments, err := h.service.ListPayments(r.Context(), PaymentFilter{
		OwnerID:   ownerID,
		InvoiceID: invoiceID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payments)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	if fields := fieldErrors(validate.Struct(req)); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	payment, err := h.service.RecordPayment(r.Context(), req.toInput(r.Header.Get(IdempotencyHeader)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

// --- Reporting ---

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.service.AuditBalances(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, drifts)
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RepairBalances(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"repaired": n})
}

func (h *Handler) sweepOverdue(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	// the body is optional; an empty one, chunked or not, sweeps as of now
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if fields := fieldErrors(validate.Struct(req)); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	var asOf time.Time
	if req.AsOf != "" {
		asOf, _ = time.Parse(dateLayout, req.AsOf)
	}
	n, err := h.service.SweepOverdue(r.Context(), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"marked": n})
}

// fail maps err to a problem response, logging anything the client did not cause.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		httpx.ValidationProblem(w, map[string]string{verr.Field: verr.Message})
		return
	}
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) && !errors.Is(err, httpx.ErrValidation) {
		h.logger.Error("billing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.ValidationProblem(w, map[string]string{name: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			httpx.ValidationProblem(w, map[string]string{name: "must be a non-negative integer"})
			return 0, 0, false
		}
		*dst = v
	}
	return limit, offset, true
}
