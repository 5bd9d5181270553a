package workflow

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"github.com/shopspring/decimal"
)

// Signal weights. They sum to 100; the pattern boost comes on top and the
// total is capped at 100.
const (
	weightVendorFamiliarity    = 25
	weightTaxRateValidity      = 20
	weightAmountReasonableness = 20
	weightHistoricalSimilarity = 15
	weightAccountValidity      = 20
)

// ScoreBreakdown is one named field per signal so the weighting logic is
// checked at compile time.
type ScoreBreakdown struct {
	VendorFamiliarity    int `json:"vendor_familiarity"`
	TaxRateValidity      int `json:"tax_rate_validity"`
	AmountReasonableness int `json:"amount_reasonableness"`
	HistoricalSimilarity int `json:"historical_similarity"`
	AccountValidity      int `json:"account_validity"`
	PatternBoost         int `json:"pattern_boost"`
}

type ScoreResult struct {
	TotalScore        int            `json:"total_score"`
	Breakdown         ScoreBreakdown `json:"breakdown"`
	Reasoning         string         `json:"reasoning"`
	ShouldAutoApprove bool           `json:"should_auto_approve"`
}

// ScoringContext carries everything the scorer consults, fetched up front so
// the scoring itself stays pure.
type ScoringContext struct {
	VendorStats          *models.VendorStats
	AccountValid         bool
	Pattern              *models.LearnedPattern
	RecognizedVatRates   []decimal.Decimal
	AutoApproveThreshold int
}

// ScoreBooking rates a proposed booking 0-100. Deterministic for identical
// inputs; no side effects. A missing or empty suggestion scores 0. A missing
// vendor drops familiarity and reasonableness to their floor instead of
// erroring.
func ScoreBooking(invoice *models.Invoice, suggestion *models.BookingSuggestion, sctx *ScoringContext) *ScoreResult {
	result := &ScoreResult{}
	if suggestion.Empty() {
		result.Reasoning = "no booking suggestion available"
		return result
	}

	reasons := make([]string, 0, 6)
	stats := sctx.VendorStats
	if stats == nil {
		stats = &models.VendorStats{}
	}

	result.Breakdown.VendorFamiliarity = scoreVendorFamiliarity(stats, &reasons)
	result.Breakdown.TaxRateValidity = scoreTaxRate(invoice, sctx.RecognizedVatRates, &reasons)
	result.Breakdown.AmountReasonableness = scoreAmount(invoice, stats, &reasons)
	result.Breakdown.HistoricalSimilarity = scoreHistory(suggestion, stats, &reasons)
	result.Breakdown.AccountValidity = scoreAccount(suggestion, sctx.AccountValid, &reasons)
	result.Breakdown.PatternBoost = scorePatternBoost(suggestion, sctx.Pattern, &reasons)

	total := result.Breakdown.VendorFamiliarity +
		result.Breakdown.TaxRateValidity +
		result.Breakdown.AmountReasonableness +
		result.Breakdown.HistoricalSimilarity +
		result.Breakdown.AccountValidity +
		result.Breakdown.PatternBoost
	if total > 100 {
		total = 100
	}
	result.TotalScore = total
	result.Reasoning = strings.Join(reasons, "; ")
	result.ShouldAutoApprove = total >= sctx.AutoApproveThreshold
	return result
}

func scoreVendorFamiliarity(stats *models.VendorStats, reasons *[]string) int {
	switch {
	case stats.ConfirmedBookings >= 10:
		*reasons = append(*reasons, fmt.Sprintf("vendor well known (%d confirmed bookings)", stats.ConfirmedBookings))
		return weightVendorFamiliarity
	case stats.ConfirmedBookings >= 5:
		*reasons = append(*reasons, fmt.Sprintf("vendor familiar (%d confirmed bookings)", stats.ConfirmedBookings))
		return 20
	case stats.ConfirmedBookings >= 3:
		*reasons = append(*reasons, fmt.Sprintf("vendor seen before (%d confirmed bookings)", stats.ConfirmedBookings))
		return 15
	case stats.ConfirmedBookings >= 1:
		*reasons = append(*reasons, "vendor has limited history")
		return 8
	default:
		*reasons = append(*reasons, "unknown vendor")
		return 0
	}
}

func scoreTaxRate(invoice *models.Invoice, recognized []decimal.Decimal, reasons *[]string) int {
	if invoice.AmountExclVat.IsZero() {
		if invoice.VatAmount.IsZero() {
			*reasons = append(*reasons, "zero-rated invoice")
			return weightTaxRateValidity
		}
		*reasons = append(*reasons, "VAT amount on zero base")
		return 0
	}
	rate := invoice.VatAmount.
		Div(invoice.AmountExclVat).
		Mul(decimal.NewFromInt(100))

	tolerance := decimal.NewFromFloat(0.5)
	for _, r := range recognized {
		if rate.Sub(r).Abs().LessThanOrEqual(tolerance) {
			*reasons = append(*reasons, fmt.Sprintf("VAT rate %s%% recognized", r.String()))
			return weightTaxRateValidity
		}
	}
	// Mismatch caps this signal near zero.
	*reasons = append(*reasons, fmt.Sprintf("VAT rate %s%% does not match any recognized rate", rate.Round(2).String()))
	return 2
}

func scoreAmount(invoice *models.Invoice, stats *models.VendorStats, reasons *[]string) int {
	if stats.ConfirmedBookings == 0 {
		*reasons = append(*reasons, "no amount history for vendor")
		return 0
	}
	total := invoice.TotalAmount
	if total.GreaterThanOrEqual(stats.MinAmount) && total.LessThanOrEqual(stats.MaxAmount) {
		*reasons = append(*reasons, "amount within the vendor's usual range")
		return weightAmountReasonableness
	}
	if stats.AverageAmount.IsPositive() &&
		total.LessThanOrEqual(stats.AverageAmount.Mul(decimal.NewFromInt(2))) {
		*reasons = append(*reasons, "amount near the vendor's average")
		return 12
	}
	*reasons = append(*reasons, fmt.Sprintf("amount %s unusual for vendor (avg %s)", total.StringFixed(2), stats.AverageAmount.StringFixed(2)))
	return 4
}

func scoreHistory(suggestion *models.BookingSuggestion, stats *models.VendorStats, reasons *[]string) int {
	account, ok := suggestion.PrimaryExpenseAccount()
	if !ok || stats.ConfirmedBookings == 0 {
		return 0
	}
	if stats.UsualAccount != "" && stats.UsualAccount == account {
		*reasons = append(*reasons, fmt.Sprintf("account %s matches the vendor's usual booking", account))
		return weightHistoricalSimilarity
	}
	*reasons = append(*reasons, "suggested account differs from the vendor's usual booking")
	return 5
}

func scoreAccount(suggestion *models.BookingSuggestion, valid bool, reasons *[]string) int {
	account, ok := suggestion.PrimaryExpenseAccount()
	if !ok {
		*reasons = append(*reasons, "suggestion has no expense line")
		return 0
	}
	if !valid {
		*reasons = append(*reasons, fmt.Sprintf("account %s is not in the active chart of accounts", account))
		return 0
	}
	return weightAccountValidity
}

func scorePatternBoost(suggestion *models.BookingSuggestion, pattern *models.LearnedPattern, reasons *[]string) int {
	if pattern == nil {
		return 0
	}
	account, ok := suggestion.PrimaryExpenseAccount()
	if !ok || pattern.SuggestedAccount != account {
		return 0
	}
	*reasons = append(*reasons, fmt.Sprintf("matches learned pattern for vendor (+%d)", pattern.Boost))
	return pattern.Boost
}

// BuildScoringContext gathers the scorer's inputs from storage and per-client
// settings.
func BuildScoringContext(ctx context.Context, invoice *models.Invoice, suggestion *models.BookingSuggestion) (*ScoringContext, error) {
	stats, err := models.GetVendorStats(ctx, invoice.ClientId, invoice.VendorId)
	if err != nil {
		return nil, err
	}
	settings, err := models.GetClientSettings(ctx, invoice.ClientId)
	if err != nil {
		return nil, err
	}
	sctx := &ScoringContext{
		VendorStats:          stats,
		RecognizedVatRates:   config.RecognizedVatRates(),
		AutoApproveThreshold: settings.ApproveThreshold(),
	}
	if account, ok := suggestion.PrimaryExpenseAccount(); ok {
		valid, err := models.AccountExists(ctx, invoice.ClientId, account)
		if err != nil {
			return nil, err
		}
		sctx.AccountValid = valid
	}
	if suggestion != nil && suggestion.VendorName != "" {
		pattern, err := models.FindActivePattern(ctx, invoice.ClientId, suggestion.VendorName)
		if err != nil {
			return nil, err
		}
		sctx.Pattern = pattern
	}
	return sctx, nil
}

// ScoreInvoice runs the scorer against the invoice's captured suggestion and
// persists the result.
func ScoreInvoice(ctx context.Context, invoice *models.Invoice) (*ScoreResult, error) {
	logger := config.GetLogger()
	suggestion, err := invoice.Suggestion()
	if err != nil {
		config.LogError(logger, "ConfidenceScorer", "ScoreInvoice", "Malformed suggestion payload", invoice.ID, err)
		return nil, err
	}
	sctx, err := BuildScoringContext(ctx, invoice, suggestion)
	if err != nil {
		return nil, err
	}
	result := ScoreBooking(invoice, suggestion, sctx)
	if err := invoice.SaveScoringResult(ctx, suggestion, result.TotalScore); err != nil {
		return nil, err
	}
	invoice.AiConfidence = &result.TotalScore
	return result, nil
}
