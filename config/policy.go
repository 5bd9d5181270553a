package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decision-policy knobs. The synthesis threshold and the deactivation floor
// are deliberately env-tunable instead of hardcoded; per-client auto-approve
// overrides live on the client settings row and take precedence.

const (
	DefaultAutoApproveThreshold = 85
	DefaultPatternBoost         = 15
)

// AutoApproveThreshold returns the global default score (0-100) above which a
// booking posts without human review.
//
// Set via env: AUTO_APPROVE_THRESHOLD=85
func AutoApproveThreshold() int {
	n := IntFromEnv("AUTO_APPROVE_THRESHOLD", DefaultAutoApproveThreshold)
	if n < 0 || n > 100 {
		return DefaultAutoApproveThreshold
	}
	return n
}

// PatternMinConfirmations is the number of consecutive confirmed postings for
// one vendor before a booking pattern is synthesized.
//
// Set via env: PATTERN_MIN_CONFIRMATIONS=3
func PatternMinConfirmations() int {
	n := IntFromEnv("PATTERN_MIN_CONFIRMATIONS", 3)
	if n < 1 {
		return 1
	}
	return n
}

// PatternMinSuccessRate is the floor below which a pattern is automatically
// deactivated once it has enough applications to judge.
//
// Set via env: PATTERN_MIN_SUCCESS_RATE=0.50
func PatternMinSuccessRate() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("PATTERN_MIN_SUCCESS_RATE"))
	if v == "" {
		return decimal.NewFromFloat(0.50)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromFloat(0.50)
	}
	return d
}

// PatternMinApplications is how many applications a pattern needs before the
// success-rate floor is enforced.
func PatternMinApplications() int {
	n := IntFromEnv("PATTERN_MIN_APPLICATIONS", 5)
	if n < 1 {
		return 1
	}
	return n
}

// PostingCommitTimeoutSeconds bounds the atomic persist step of the voucher
// generator. Timeouts surface as transient failures, not validation errors.
//
// Set via env: POSTING_COMMIT_TIMEOUT_SECONDS=5
func PostingCommitTimeoutSeconds() int {
	n := IntFromEnv("POSTING_COMMIT_TIMEOUT_SECONDS", 5)
	if n < 1 || n > 9 {
		return 5
	}
	return n
}

// TransientRetryAttempts is the bounded retry budget for transient storage
// failures before an invoice is escalated to the review queue.
func TransientRetryAttempts() int {
	n := IntFromEnv("TRANSIENT_RETRY_ATTEMPTS", 3)
	if n < 1 {
		return 1
	}
	return n
}

// RecognizedVatRates lists the national VAT percentages the scorer validates
// against. Comma-separated override, e.g. RECOGNIZED_VAT_RATES="25,12,6,0".
func RecognizedVatRates() []decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv("RECOGNIZED_VAT_RATES"))
	if raw == "" {
		raw = "25,15,12,6,0"
	}
	rates := make([]decimal.Decimal, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := strconv.ParseFloat(part, 64); err != nil {
			continue
		}
		d, err := decimal.NewFromString(part)
		if err == nil {
			rates = append(rates, d)
		}
	}
	if len(rates) == 0 {
		rates = []decimal.Decimal{decimal.NewFromInt(25), decimal.NewFromInt(15), decimal.NewFromInt(12), decimal.NewFromInt(6), decimal.Zero}
	}
	return rates
}
