package fiscalrequests

import (
	"errors"
	"strconv"

	"go_fiskal/api/v1/middleware"
	"go_fiskal/internal/httpx"
	"go_fiskal/internal/invoicing"
	"go_fiskal/internal/model"
	"go_fiskal/internal/queue"

	"github.com/gin-gonic/gin"
)

// Handler handles fiscal request API endpoints
type Handler struct {
	queueService *queue.Service
	invoicing    *invoicing.Service
}

// NewHandler creates a new fiscal request handler
func NewHandler(queueService *queue.Service, inv *invoicing.Service) *Handler {
	return &Handler{queueService: queueService, invoicing: inv}
}

// triggerRequest is the body of POST /fiscal-requests/trigger
type triggerRequest struct {
	InvoiceID   int    `json:"invoiceId" binding:"required"`
	MessageType string `json:"messageType"`
}

// Trigger handles POST /api/v1/fiscal-requests/trigger
// Queues an invoice or cancellation message. Idempotent per invoice and
// message type: re-triggering returns the existing request.
func (h *Handler) Trigger(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	var body triggerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing("invoiceId is required"))
		return
	}

	messageType := body.MessageType
	if messageType == "" {
		messageType = model.MessageTypeInvoice
	}
	if messageType != model.MessageTypeInvoice && messageType != model.MessageTypeCancellation {
		httpx.FailErr(c, httpx.ErrParamInvalid("messageType must be invoice or cancellation"))
		return
	}

	req, err := h.invoicing.Trigger(companyID, body.InvoiceID, messageType)
	if err != nil {
		httpx.FailErr(c, triggerError(err))
		return
	}

	httpx.OK(c, req)
}

// Verify handles POST /api/v1/fiscal-requests/verify
// Queues an echo message that proves the stored certificate decrypts and the
// authority endpoint answers.
func (h *Handler) Verify(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	req, err := h.invoicing.TriggerVerify(companyID)
	if err != nil {
		httpx.FailErr(c, triggerError(err))
		return
	}

	httpx.OK(c, req)
}

// List handles GET /api/v1/fiscal-requests?page=1&pageSize=20&status=
func (h *Handler) List(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	status := c.Query("status")

	rows, total, err := h.queueService.List(companyID, page, pageSize, status)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list fiscal requests", err))
		return
	}

	httpx.OKItems(c, rows, total, page, pageSize)
}

// Get handles GET /api/v1/fiscal-requests/:id
func (h *Handler) Get(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request id"))
		return
	}

	req, err := h.queueService.Get(companyID, id)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to load fiscal request", err))
		return
	}
	if req == nil {
		httpx.FailErr(c, httpx.ErrNotFound("fiscal request not found"))
		return
	}

	httpx.OK(c, req)
}

// Retry handles POST /api/v1/fiscal-requests/:id/retry
// Operator action on a failed or dead request: resets the attempt counter
// and puts the request back in the queue.
func (h *Handler) Retry(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request id"))
		return
	}

	if err := h.queueService.ManualRetry(companyID, id); err != nil {
		if errors.Is(err, queue.ErrNotRetryable) {
			httpx.FailErr(c, httpx.ErrStateConflict("only failed or dead requests can be retried"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to retry fiscal request", err))
		return
	}

	httpx.OKMsg(c, "fiscal request requeued", nil)
}

// triggerError maps invoicing trigger failures onto API errors.
func triggerError(err error) *httpx.AppError {
	switch {
	case errors.Is(err, invoicing.ErrCompanyNotFound):
		return httpx.ErrNotFound("company not found")
	case errors.Is(err, invoicing.ErrInvoiceNotFound):
		return httpx.ErrNotFound("invoice not found")
	case errors.Is(err, invoicing.ErrFiscalizationDisabled):
		return httpx.ErrStateConflict("fiscalization is not enabled for this company")
	case errors.Is(err, invoicing.ErrNotFiscalizable):
		return httpx.ErrStateConflict("invoice payment method does not require fiscalization")
	case errors.Is(err, invoicing.ErrNoActiveCertificate):
		return httpx.ErrStateConflict("no active certificate for the company environment")
	default:
		return httpx.ErrDatabaseError("failed to queue fiscal request", err)
	}
}
