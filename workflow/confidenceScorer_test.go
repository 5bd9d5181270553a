package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The scorer takes everything it
// consults through ScoringContext, so scoring semantics are validated without
// MySQL. Full DB integration tests should run in an environment with MySQL.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func standardVatRates() []decimal.Decimal {
	return []decimal.Decimal{dec("25"), dec("15"), dec("12"), dec("6"), dec("0")}
}

func testInvoice() *models.Invoice {
	return &models.Invoice{
		ClientId:      "client-1",
		AmountExclVat: dec("8000.00"),
		VatAmount:     dec("2000.00"),
		TotalAmount:   dec("10000.00"),
		Currency:      "SEK",
	}
}

func testSuggestion() *models.BookingSuggestion {
	return &models.BookingSuggestion{
		VendorName: "Acme AB",
		Lines: []models.SuggestionLine{
			{Account: "5410", Debit: dec("8000.00"), TaxCode: ""},
			{Account: "2641", Debit: dec("2000.00"), TaxCode: "VAT25"},
			{Account: "2440", Credit: dec("10000.00")},
		},
	}
}

func familiarVendorContext() *ScoringContext {
	return &ScoringContext{
		VendorStats: &models.VendorStats{
			ConfirmedBookings: 12,
			AverageAmount:     dec("9500.00"),
			MinAmount:         dec("7000.00"),
			MaxAmount:         dec("12000.00"),
			UsualAccount:      "5410",
		},
		AccountValid:         true,
		RecognizedVatRates:   standardVatRates(),
		AutoApproveThreshold: 85,
	}
}

func TestScoreBooking_FamiliarVendorAutoApproves(t *testing.T) {
	result := ScoreBooking(testInvoice(), testSuggestion(), familiarVendorContext())

	if result.TotalScore != 100 {
		t.Fatalf("expected full score for a perfect booking, got %d (%+v)", result.TotalScore, result.Breakdown)
	}
	if !result.ShouldAutoApprove {
		t.Fatalf("expected auto-approve at score %d with threshold 85", result.TotalScore)
	}
}

func TestScoreBooking_Deterministic(t *testing.T) {
	first := ScoreBooking(testInvoice(), testSuggestion(), familiarVendorContext())
	for i := 0; i < 50; i++ {
		again := ScoreBooking(testInvoice(), testSuggestion(), familiarVendorContext())
		if again.TotalScore != first.TotalScore ||
			again.Breakdown != first.Breakdown ||
			again.ShouldAutoApprove != first.ShouldAutoApprove {
			t.Fatalf("scoring not deterministic: run %d got %+v, want %+v", i, again, first)
		}
	}
}

func TestScoreBooking_MissingSuggestionScoresZero(t *testing.T) {
	if got := ScoreBooking(testInvoice(), nil, familiarVendorContext()); got.TotalScore != 0 {
		t.Fatalf("nil suggestion: expected score 0, got %d", got.TotalScore)
	}
	empty := &models.BookingSuggestion{VendorName: "Acme AB"}
	if got := ScoreBooking(testInvoice(), empty, familiarVendorContext()); got.TotalScore != 0 {
		t.Fatalf("empty lines: expected score 0, got %d", got.TotalScore)
	}
}

func TestScoreBooking_UnknownVendorFloorsSignals(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.VendorStats = &models.VendorStats{}

	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.Breakdown.VendorFamiliarity != 0 {
		t.Fatalf("expected zero familiarity for unknown vendor, got %d", result.Breakdown.VendorFamiliarity)
	}
	if result.Breakdown.AmountReasonableness != 0 {
		t.Fatalf("expected zero amount signal with no history, got %d", result.Breakdown.AmountReasonableness)
	}
	if result.ShouldAutoApprove {
		t.Fatalf("unknown vendor must not auto-approve (score %d)", result.TotalScore)
	}
}

func TestScoreBooking_NilVendorStatsDoesNotPanic(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.VendorStats = nil
	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.Breakdown.VendorFamiliarity != 0 {
		t.Fatalf("nil stats should behave like an unknown vendor, got %d", result.Breakdown.VendorFamiliarity)
	}
}

func TestScoreBooking_TaxMismatchCapsSignalNearZero(t *testing.T) {
	invoice := testInvoice()
	invoice.VatAmount = dec("1400.00") // 17.5%, not a recognized rate
	invoice.TotalAmount = dec("9400.00")

	result := ScoreBooking(invoice, testSuggestion(), familiarVendorContext())
	if result.Breakdown.TaxRateValidity > 2 {
		t.Fatalf("mismatched VAT rate should cap the tax signal near zero, got %d", result.Breakdown.TaxRateValidity)
	}
}

func TestScoreBooking_ZeroRatedInvoice(t *testing.T) {
	invoice := testInvoice()
	invoice.VatAmount = dec("0.00")
	invoice.TotalAmount = invoice.AmountExclVat

	result := ScoreBooking(invoice, testSuggestion(), familiarVendorContext())
	if result.Breakdown.TaxRateValidity != weightTaxRateValidity {
		t.Fatalf("0%% is a recognized rate, got tax signal %d", result.Breakdown.TaxRateValidity)
	}
}

func TestScoreBooking_InvalidAccountScoresZeroOnValidity(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.AccountValid = false

	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.Breakdown.AccountValidity != 0 {
		t.Fatalf("invalid account should zero the validity signal, got %d", result.Breakdown.AccountValidity)
	}
}

func TestScoreBooking_PatternBoostCappedAtHundred(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.Pattern = &models.LearnedPattern{SuggestedAccount: "5410", Boost: 15}

	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.Breakdown.PatternBoost != 15 {
		t.Fatalf("expected pattern boost 15, got %d", result.Breakdown.PatternBoost)
	}
	if result.TotalScore > 100 {
		t.Fatalf("total score must be capped at 100, got %d", result.TotalScore)
	}
}

func TestScoreBooking_PatternBoostRequiresAccountMatch(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.Pattern = &models.LearnedPattern{SuggestedAccount: "6110", Boost: 15}

	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.Breakdown.PatternBoost != 0 {
		t.Fatalf("pattern on a different account must not boost, got %d", result.Breakdown.PatternBoost)
	}
}

func TestScoreBooking_BorderlineVendorStaysBelowThreshold(t *testing.T) {
	sctx := familiarVendorContext()
	sctx.VendorStats = &models.VendorStats{
		ConfirmedBookings: 1,
		AverageAmount:     dec("500.00"),
		MinAmount:         dec("500.00"),
		MaxAmount:         dec("500.00"),
		UsualAccount:      "6110",
	}

	result := ScoreBooking(testInvoice(), testSuggestion(), sctx)
	if result.ShouldAutoApprove {
		t.Fatalf("thin history with unusual amount must not auto-approve, got %d", result.TotalScore)
	}
	if result.TotalScore >= 85 {
		t.Fatalf("expected sub-threshold score, got %d (%+v)", result.TotalScore, result.Breakdown)
	}
}
