package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/middlewares"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"bitbucket.org/mmdatafocus/autobooks_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func init() {
	// Booking amounts arrive as strings; reject anything that is not an exact
	// two-fraction-digit decimal before it reaches the workflow layer.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			if err != nil {
				return false
			}
			return d.Exponent() >= -2
		})
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// identityMiddleware lifts the caller identity set by the out-of-scope auth
// layer into the request context.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if clientId := c.GetHeader("x-client-id"); clientId != "" {
			ctx = utils.SetClientIdInContext(ctx, clientId)
		}
		if actor := c.GetHeader("x-actor"); actor != "" {
			ctx = utils.SetActorNameInContext(ctx, actor)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireIdentity(c *gin.Context) (clientId string, actor string, ok bool) {
	clientId, _ = utils.GetClientIdFromContext(c.Request.Context())
	actor, _ = utils.GetActorNameFromContext(c.Request.Context())
	if clientId == "" || actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "x-client-id and x-actor headers are required"})
		return "", "", false
	}
	return clientId, actor, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvoiceNotFound),
		errors.Is(err, workflow.ErrReviewItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrAlreadyPosted),
		errors.Is(err, workflow.ErrAlreadyReversed),
		errors.Is(err, workflow.ErrAlreadyRouted),
		errors.Is(err, workflow.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrUnbalanced),
		errors.Is(err, workflow.ErrAccountNotFound),
		errors.Is(err, workflow.ErrNoSuggestion),
		errors.Is(err, workflow.ErrEmptyBooking):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrTransientFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

type createVoucherRequest struct {
	InvoiceId       string  `json:"invoice_id" binding:"required,uuid"`
	AccountingDate  *string `json:"accounting_date" binding:"omitempty,datetime=2006-01-02"`
	OverrideAccount *string `json:"override_account"`
}

func createVoucherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		var req createVoucherRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		input := &workflow.PostingInput{
			InvoiceId:       uuid.MustParse(req.InvoiceId),
			ClientId:        clientId,
			Actor:           actor,
			OverrideAccount: req.OverrideAccount,
		}
		if req.AccountingDate != nil {
			d, err := time.Parse("2006-01-02", *req.AccountingDate)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid accounting_date"})
				return
			}
			input.AccountingDate = &d
		}
		result, err := workflow.CreateFromInvoice(c.Request.Context(), input)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"ledger_entry_id": result.LedgerEntry.ID,
			"voucher_number":  result.VoucherNumber,
			"correlation_id":  cid,
		})
	}
}

func routeInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		invoiceId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
			return
		}
		ctx := c.Request.Context()
		invoice, err := models.GetInvoice(ctx, clientId, invoiceId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
			return
		}
		result, err := workflow.ScoreInvoice(ctx, invoice)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		outcome, err := workflow.Route(ctx, invoice, result, actor)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{
			"auto_booked": outcome.AutoBooked,
			"score":       result.TotalScore,
			"breakdown":   result.Breakdown,
			"reasoning":   result.Reasoning,
		}
		if outcome.AutoBooked {
			resp["voucher_number"] = outcome.Voucher.VoucherNumber
			resp["ledger_entry_id"] = outcome.Voucher.LedgerEntry.ID
		} else {
			resp["review_item_id"] = outcome.Item.ID
			resp["priority"] = outcome.Item.Priority
			resp["issue_category"] = outcome.Item.IssueCategory
		}
		c.JSON(http.StatusOK, resp)
	}
}

type resolveRequest struct {
	Notes *string `json:"notes"`
}

func approveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		itemId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
			return
		}
		var req resolveRequest
		_ = c.ShouldBindJSON(&req)
		result, err := workflow.Approve(c.Request.Context(), clientId, itemId, actor, req.Notes)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          models.ReviewItemStatusApproved,
			"voucher_number":  result.VoucherNumber,
			"ledger_entry_id": result.LedgerEntry.ID,
		})
	}
}

func claimHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		itemId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
			return
		}
		item, err := models.GetReviewQueueItem(c.Request.Context(), clientId, itemId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "review item not found"})
			return
		}
		if err := item.MarkInProgress(c.Request.Context(), actor); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

type correctRequest struct {
	Booking *models.BookingSuggestion `json:"booking" binding:"required"`
	Notes   *string                   `json:"notes"`
}

func correctHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		itemId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
			return
		}
		var req correctRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		result, err := workflow.Correct(c.Request.Context(), clientId, itemId, actor, req.Booking, req.Notes)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          models.ReviewItemStatusCorrected,
			"voucher_number":  result.VoucherNumber,
			"ledger_entry_id": result.LedgerEntry.ID,
		})
	}
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func rejectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		itemId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
			return
		}
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		if err := workflow.Reject(c.Request.Context(), clientId, itemId, actor, req.Reason); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.ReviewItemStatusRejected})
	}
}

type voucherLineView struct {
	LineNumber    int             `json:"line_number"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	Debit         decimal.Decimal `json:"debit"`
	Credit        decimal.Decimal `json:"credit"`
	TaxCode       *string         `json:"tax_code,omitempty"`
}

func getVoucherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, _, ok := requireIdentity(c)
		if !ok {
			return
		}
		entryId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid voucher id"})
			return
		}
		ctx := c.Request.Context()
		entry, err := models.GetLedgerEntry(ctx, clientId, entryId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "voucher not found"})
			return
		}
		lines := make([]voucherLineView, 0, len(entry.Lines))
		for _, line := range entry.Lines {
			name, nerr := middlewares.GetAccountName(ctx, clientId, line.AccountNumber)
			if nerr != nil {
				name = "Account " + line.AccountNumber
			}
			lines = append(lines, voucherLineView{
				LineNumber:    line.LineNumber,
				AccountNumber: line.AccountNumber,
				AccountName:   name,
				Debit:         line.Debit,
				Credit:        line.Credit,
				TaxCode:       line.TaxCode,
			})
		}
		debit, credit := models.Totals(entry.Lines)
		c.JSON(http.StatusOK, gin.H{
			"id":              entry.ID,
			"voucher_number":  entry.VoucherNumber,
			"series_code":     entry.SeriesCode,
			"fiscal_year":     entry.FiscalYear,
			"period":          entry.Period,
			"accounting_date": entry.AccountingDate.Format("2006-01-02"),
			"description":     entry.Description,
			"status":          entry.Status,
			"source":          entry.Source,
			"created_by":      entry.CreatedBy,
			"lines":           lines,
			"total_debit":     debit,
			"total_credit":    credit,
			"balanced":        entry.Balanced(),
		})
	}
}

func listReviewItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, _, ok := requireIdentity(c)
		if !ok {
			return
		}
		limit := config.IntFromEnv("REVIEW_LIST_LIMIT", 100)
		items, err := models.ListOpenReviewQueueItems(c.Request.Context(), clientId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

type patchPatternRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func patchPatternHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, _, ok := requireIdentity(c)
		if !ok {
			return
		}
		patternId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pattern id"})
			return
		}
		var req patchPatternRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
			return
		}
		pattern, err := models.GetLearnedPattern(c.Request.Context(), clientId, patternId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "pattern not found"})
			return
		}
		if err := pattern.SetActive(c.Request.Context(), *req.IsActive); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pattern)
	}
}

func reverseVoucherHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, actor, ok := requireIdentity(c)
		if !ok {
			return
		}
		entryId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid voucher id"})
			return
		}
		var req rejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		result, err := workflow.ReverseLedgerEntry(c.Request.Context(), clientId, entryId, actor, req.Reason)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"reversal_entry_id": result.LedgerEntry.ID,
			"voucher_number":    result.VoucherNumber,
		})
	}
}

// Ops tooling: ingest an invoice directly in environments where the upstream
// ingestion service is not deployed.
type ingestInvoiceRequest struct {
	VendorId      *string `json:"vendor_id" binding:"omitempty,uuid"`
	InvoiceNumber string  `json:"invoice_number" binding:"required"`
	AmountExclVat string  `json:"amount_excl_vat" binding:"required,money"`
	VatAmount     string  `json:"vat_amount" binding:"required,money"`
	TotalAmount   string  `json:"total_amount" binding:"required,money"`
	Currency      string  `json:"currency" binding:"required,len=3"`
	InvoiceDate   string  `json:"invoice_date" binding:"required,datetime=2006-01-02"`
	AiSuggestion  *string `json:"ai_suggestion"`
}

func ingestInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientId, _, ok := requireIdentity(c)
		if !ok {
			return
		}
		var req ingestInvoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amountExcl, _ := utils.ParseDecimal(req.AmountExclVat)
		vat, _ := utils.ParseDecimal(req.VatAmount)
		total, _ := utils.ParseDecimal(req.TotalAmount)
		if !amountExcl.Add(vat).Equal(total) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "amount_excl_vat + vat_amount must equal total_amount"})
			return
		}
		invoiceDate, _ := time.Parse("2006-01-02", req.InvoiceDate)
		invoice := models.Invoice{
			ID:            uuid.New(),
			ClientId:      clientId,
			InvoiceNumber: req.InvoiceNumber,
			AmountExclVat: amountExcl,
			VatAmount:     vat,
			TotalAmount:   total,
			Currency:      strings.ToUpper(req.Currency),
			InvoiceDate:   invoiceDate,
			AiSuggestion:  req.AiSuggestion,
			ReviewStatus:  models.InvoiceReviewStatusPending,
		}
		if req.VendorId != nil {
			vendorId := uuid.MustParse(*req.VendorId)
			invoice.VendorId = &vendorId
		}
		if err := config.GetDB().WithContext(c.Request.Context()).Create(&invoice).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"invoice_id": invoice.ID})
	}
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		for _, ginErr := range c.Errors {
			logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"status": c.Writer.Status(),
			}).Error(ginErr.Error())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the revision
	// healthy. Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS: explicit allowlist via CORS_ALLOWED_ORIGINS in
	// production, allow all elsewhere.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-client-id", "x-actor", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(identityMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/vouchers/from-invoice", createVoucherHandler())
	r.GET("/vouchers/:id", getVoucherHandler())
	r.POST("/vouchers/:id/reverse", reverseVoucherHandler())
	r.POST("/invoices/:id/route", routeInvoiceHandler())
	r.GET("/review-items", listReviewItemsHandler())
	r.POST("/review-items/:id/claim", claimHandler())
	r.POST("/review-items/:id/approve", approveHandler())
	r.POST("/review-items/:id/correct", correctHandler())
	r.POST("/review-items/:id/reject", rejectHandler())
	r.PATCH("/patterns/:id", patchPatternHandler())
	r.POST("/internal/ops/invoices", ingestInvoiceHandler())
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the invoice worker pool.
	processorCtx, cancelProcessor := context.WithCancel(context.Background())
	defer cancelProcessor()
	go workflow.NewInvoiceProcessor(config.GetDB(), logger).Run(processorCtx)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		cancelProcessor()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Error(err.Error())
		}
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Fatal(err.Error())
		}
	}
}
