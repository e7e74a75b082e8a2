package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/exef-pl/faktury/internal/domain/entity"
	lifecycle "github.com/exef-pl/faktury/internal/domain/workflow"
	"github.com/exef-pl/faktury/internal/inbox"
	"github.com/exef-pl/faktury/internal/ocr"
	"github.com/exef-pl/faktury/internal/store"
	"github.com/exef-pl/faktury/internal/workflow"
)

// maxUploadBytes caps a single document upload at 25 MiB.
const maxUploadBytes = 25 << 20

// Handlers contains all HTTP request handlers.
type Handlers struct {
	engine *workflow.Engine
	inbox  *inbox.Inbox
	logger Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *workflow.Engine, box *inbox.Inbox, logger Logger) *Handlers {
	return &Handlers{engine: engine, inbox: box, logger: logger}
}

// Response represents a standard JSON response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Success: false, Error: msg})
}

// failFrom maps domain errors onto HTTP status codes.
func failFrom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, inbox.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, inbox.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		fail(c, http.StatusConflict, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ok(c, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ListInvoices handles GET /api/invoices.
func (h *Handlers) ListInvoices(c *gin.Context) {
	f := store.Filter{
		Status: c.Query("status"),
		Source: entity.Source(c.Query("source")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			fail(c, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}

	invoices, err := h.inbox.ListInvoices(f)
	if err != nil {
		h.logger.Error("Failed to list invoices", "error", err)
		fail(c, http.StatusInternalServerError, "failed to list invoices")
		return
	}
	ok(c, invoices)
}

// UploadInvoice handles POST /api/invoices (multipart upload, scanner source).
func (h *Handlers) UploadInvoice(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		fail(c, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(content) > maxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, "file exceeds upload limit")
		return
	}

	inv, err := h.inbox.AddInvoice(c.Request.Context(), entity.SourceScanner, content, inbox.Metadata{
		FileName: header.Filename,
		FileType: header.Header.Get("Content-Type"),
		FileSize: int64(len(content)),
	})
	if err != nil {
		failFrom(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: inv})
}

// GetInvoice handles GET /api/invoices/:id.
func (h *Handlers) GetInvoice(c *gin.Context) {
	inv, err := h.inbox.GetInvoice(c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// updateRequest is the JSON body for invoice patches. Absent fields are
// left untouched.
type updateRequest struct {
	ContractorNip  *string   `json:"contractorNip"`
	ContractorName *string   `json:"contractorName"`
	InvoiceNumber  *string   `json:"invoiceNumber"`
	IssueDate      *string   `json:"issueDate"`
	DueDate        *string   `json:"dueDate"`
	Currency       *string   `json:"currency"`
	GrossAmount    *float64  `json:"grossAmount"`
	NetAmount      *float64  `json:"netAmount"`
	VatAmount      *float64  `json:"vatAmount"`
	Category       *string   `json:"category"`
	Description    *string   `json:"description"`
	MPK            *string   `json:"mpk"`
	ProjectID      *string   `json:"projectId"`
	ExpenseTypeID  *string   `json:"expenseTypeId"`
	LabelIDs       *[]string `json:"labelIds"`
}

func (r updateRequest) toPatch() inbox.Update {
	return inbox.Update{
		ContractorNip:  r.ContractorNip,
		ContractorName: r.ContractorName,
		InvoiceNumber:  r.InvoiceNumber,
		IssueDate:      r.IssueDate,
		DueDate:        r.DueDate,
		Currency:       r.Currency,
		GrossAmount:    r.GrossAmount,
		NetAmount:      r.NetAmount,
		VatAmount:      r.VatAmount,
		Category:       r.Category,
		Description:    r.Description,
		MPK:            r.MPK,
		ProjectID:      r.ProjectID,
		ExpenseTypeID:  r.ExpenseTypeID,
		LabelIDs:       r.LabelIDs,
	}
}

// UpdateInvoice handles PATCH /api/invoices/:id.
func (h *Handlers) UpdateInvoice(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	inv, err := h.inbox.UpdateInvoice(c.Request.Context(), c.Param("id"), req.toPatch())
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// DeleteInvoice handles DELETE /api/invoices/:id.
func (h *Handlers) DeleteInvoice(c *gin.Context) {
	if err := h.inbox.DeleteInvoice(c.Param("id")); err != nil {
		failFrom(c, err)
		return
	}
	ok(c, gin.H{"deleted": c.Param("id")})
}

// DownloadFile handles GET /api/invoices/:id/file.
func (h *Handlers) DownloadFile(c *gin.Context) {
	payload, err := h.inbox.GetFile(c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	contentType := payload.FileType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+payload.FileName+`"`)
	c.Data(http.StatusOK, contentType, payload.File)
}

// ProcessInvoice handles POST /api/invoices/:id/process.
func (h *Handlers) ProcessInvoice(c *gin.Context) {
	inv, err := h.engine.ProcessInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// ApproveInvoice handles POST /api/invoices/:id/approve. The optional body
// carries overrides applied before the transition.
func (h *Handlers) ApproveInvoice(c *gin.Context) {
	var req updateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	inv, err := h.engine.ApproveInvoice(c.Request.Context(), c.Param("id"), req.toPatch())
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// RejectInvoice handles POST /api/invoices/:id/reject.
func (h *Handlers) RejectInvoice(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "reason is required")
		return
	}
	inv, err := h.engine.RejectInvoice(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// BookInvoice handles POST /api/invoices/:id/book.
func (h *Handlers) BookInvoice(c *gin.Context) {
	inv, err := h.engine.BookInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// AssignProject handles PUT /api/invoices/:id/project.
func (h *Handlers) AssignProject(c *gin.Context) {
	var req struct {
		ProjectID string `json:"projectId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "projectId is required")
		return
	}
	inv, err := h.engine.AssignInvoiceToProject(c.Request.Context(), c.Param("id"), req.ProjectID)
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// AssignExpenseType handles PUT /api/invoices/:id/expense-type.
func (h *Handlers) AssignExpenseType(c *gin.Context) {
	var req struct {
		ExpenseTypeID string `json:"expenseTypeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "expenseTypeId is required")
		return
	}
	inv, err := h.engine.AssignInvoiceToExpenseType(c.Request.Context(), c.Param("id"), req.ExpenseTypeID)
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// AssignLabels handles PUT /api/invoices/:id/labels.
func (h *Handlers) AssignLabels(c *gin.Context) {
	var req struct {
		LabelIDs []string `json:"labelIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "labelIds is required")
		return
	}
	inv, err := h.engine.AssignInvoiceLabels(c.Request.Context(), c.Param("id"), req.LabelIDs)
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, inv)
}

// PurgeEmpty handles POST /api/invoices/purge, deleting never-processed
// records without a stored file.
func (h *Handlers) PurgeEmpty(c *gin.Context) {
	n, err := h.inbox.PurgeEmpty()
	if err != nil {
		h.logger.Error("Purge failed", "error", err)
		fail(c, http.StatusInternalServerError, "purge failed")
		return
	}
	ok(c, gin.H{"purged": n})
}

// GetStats handles GET /api/stats.
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.inbox.GetStats()
	if err != nil {
		h.logger.Error("Failed to aggregate stats", "error", err)
		fail(c, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	ok(c, stats)
}

// ListExportFormats handles GET /api/export/formats.
func (h *Handlers) ListExportFormats(c *gin.Context) {
	ok(c, h.engine.ExportFormats())
}

// ExportApproved handles GET /api/export/:format, streaming the rendered
// file as a download.
func (h *Handlers) ExportApproved(c *gin.Context) {
	res, err := h.engine.ExportApproved(c.Request.Context(), c.Param("format"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	c.Data(http.StatusOK, res.MimeType, res.Content)
}

// ConfigureConnections handles PUT /api/config/connections.
func (h *Handlers) ConfigureConnections(c *gin.Context) {
	var conns []*entity.Connection
	if err := c.ShouldBindJSON(&conns); err != nil {
		fail(c, http.StatusBadRequest, "invalid connection list")
		return
	}
	h.engine.ConfigureStorage(conns)
	ok(c, gin.H{"connections": len(conns)})
}

// ConfigureEmailAccounts handles PUT /api/config/email.
func (h *Handlers) ConfigureEmailAccounts(c *gin.Context) {
	var conns []*entity.Connection
	if err := c.ShouldBindJSON(&conns); err != nil {
		fail(c, http.StatusBadRequest, "invalid account list")
		return
	}
	h.engine.ConfigureEmailAccounts(conns)
	ok(c, gin.H{"accounts": len(conns)})
}

// SetKsefToken handles PUT /api/config/ksef-token.
func (h *Handlers) SetKsefToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "token is required")
		return
	}
	h.engine.SetKsefAccessToken(req.Token)
	ok(c, gin.H{"configured": true})
}

// ocrConfigRequest mirrors the pipeline settings exposed over the API.
type ocrConfigRequest struct {
	Provider    string `json:"provider" binding:"required"`
	Language    string `json:"language"`
	PSM         int    `json:"psm"`
	OEM         int    `json:"oem"`
	ExternalURL string `json:"externalUrl"`
	Preset      string `json:"preset"`
	APIKey      string `json:"apiKey"`
}

// ConfigureOcr handles PUT /api/config/ocr.
func (h *Handlers) ConfigureOcr(c *gin.Context) {
	var req ocrConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "provider is required")
		return
	}
	h.engine.ConfigureOcr(ocr.Config{
		Provider: ocr.Provider(req.Provider),
		Tesseract: ocr.TesseractConfig{
			Language: req.Language,
			PSM:      req.PSM,
			OEM:      req.OEM,
		},
		External: ocr.ExternalConfig{
			URL:    req.ExternalURL,
			Preset: req.Preset,
			APIKey: req.APIKey,
		},
	})
	ok(c, gin.H{"provider": req.Provider})
}
