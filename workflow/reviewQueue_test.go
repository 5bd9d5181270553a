package workflow

import (
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"github.com/google/uuid"
)

func TestDerivePriority(t *testing.T) {
	cases := []struct {
		score   int
		boosted bool
		want    models.ReviewPriority
	}{
		{10, false, models.ReviewPriorityUrgent},
		{24, false, models.ReviewPriorityUrgent},
		{25, false, models.ReviewPriorityHigh},
		{49, false, models.ReviewPriorityHigh},
		{50, false, models.ReviewPriorityMedium},
		{60, false, models.ReviewPriorityMedium},
		{84, false, models.ReviewPriorityMedium},
		{70, true, models.ReviewPriorityLow},
	}
	for _, tc := range cases {
		result := &ScoreResult{TotalScore: tc.score}
		if tc.boosted {
			result.Breakdown.PatternBoost = 15
		}
		if got := DerivePriority(result); got != tc.want {
			t.Fatalf("score %d (boosted=%v): got %s, want %s", tc.score, tc.boosted, got, tc.want)
		}
	}
}

func TestDeriveIssueCategory_WeakestSignalWins(t *testing.T) {
	suggestion := testSuggestion()

	result := &ScoreResult{
		TotalScore: 60,
		Breakdown: ScoreBreakdown{
			VendorFamiliarity:    0, // lost 25
			TaxRateValidity:      weightTaxRateValidity,
			AmountReasonableness: weightAmountReasonableness,
			HistoricalSimilarity: 5,
			AccountValidity:      weightAccountValidity,
		},
	}
	if got := DeriveIssueCategory(result, suggestion); got != models.IssueCategoryUnknownVendor {
		t.Fatalf("unknown vendor lost the most points, got %s", got)
	}

	result.Breakdown.VendorFamiliarity = weightVendorFamiliarity
	result.Breakdown.TaxRateValidity = 0
	if got := DeriveIssueCategory(result, suggestion); got != models.IssueCategoryMissingVat {
		t.Fatalf("tax signal lost the most points, got %s", got)
	}
}

func TestDeriveIssueCategory_DefaultsToLowConfidence(t *testing.T) {
	// Every signal earned at least half its weight; nothing specific to flag.
	result := &ScoreResult{
		TotalScore: 66,
		Breakdown: ScoreBreakdown{
			VendorFamiliarity:    15,
			TaxRateValidity:      weightTaxRateValidity,
			AmountReasonableness: 12,
			HistoricalSimilarity: 8,
			AccountValidity:      weightAccountValidity,
		},
	}
	if got := DeriveIssueCategory(result, testSuggestion()); got != models.IssueCategoryLowConfidence {
		t.Fatalf("expected low_confidence default, got %s", got)
	}
}

func TestDeriveIssueCategory_MissingSuggestion(t *testing.T) {
	result := &ScoreResult{}
	if got := DeriveIssueCategory(result, nil); got != models.IssueCategoryManualReviewRequired {
		t.Fatalf("missing suggestion should require manual review, got %s", got)
	}
}

func TestReviewItemStatus_LegalEdges(t *testing.T) {
	legal := map[models.ReviewItemStatus][]models.ReviewItemStatus{
		models.ReviewItemStatusPending: {
			models.ReviewItemStatusInProgress,
			models.ReviewItemStatusApproved,
			models.ReviewItemStatusCorrected,
			models.ReviewItemStatusRejected,
		},
		models.ReviewItemStatusInProgress: {
			models.ReviewItemStatusApproved,
			models.ReviewItemStatusCorrected,
			models.ReviewItemStatusRejected,
		},
	}
	all := []models.ReviewItemStatus{
		models.ReviewItemStatusPending,
		models.ReviewItemStatusInProgress,
		models.ReviewItemStatusApproved,
		models.ReviewItemStatusCorrected,
		models.ReviewItemStatusRejected,
	}
	for _, from := range all {
		allowed := map[models.ReviewItemStatus]bool{}
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Fatalf("%s -> %s: got %v, want %v", from, to, got, allowed[to])
			}
		}
	}
	for _, terminal := range []models.ReviewItemStatus{
		models.ReviewItemStatusApproved,
		models.ReviewItemStatusCorrected,
		models.ReviewItemStatusRejected,
	} {
		if !terminal.Terminal() {
			t.Fatalf("%s must be terminal", terminal)
		}
	}
}

// NOTE: DB-free model of the resolution concurrency guard. The real guard is
// SELECT ... FOR UPDATE plus the version column; this validates the intended
// semantics: of N concurrent resolutions on one pending item exactly one
// succeeds and the item ends in exactly one terminal state.
type fakeResolutionStore struct {
	mu     sync.Mutex
	status models.ReviewItemStatus
}

func (s *fakeResolutionStore) resolve(next models.ReviewItemStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransitionTo(next) {
		return false
	}
	s.status = next
	return true
}

func TestConcurrentResolutions_ExactlyOneWins(t *testing.T) {
	for run := 0; run < 100; run++ {
		store := &fakeResolutionStore{status: models.ReviewItemStatusPending}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		attempts := []models.ReviewItemStatus{
			models.ReviewItemStatusApproved,
			models.ReviewItemStatusApproved,
			models.ReviewItemStatusCorrected,
			models.ReviewItemStatusRejected,
		}
		for _, next := range attempts {
			wg.Add(1)
			go func(next models.ReviewItemStatus) {
				defer wg.Done()
				if store.resolve(next) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(next)
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("run %d: expected exactly one winning resolution, got %d", run, wins)
		}
		if !store.status.Terminal() {
			t.Fatalf("run %d: item must end terminal, got %s", run, store.status)
		}
	}
}

func TestCheckRoutable(t *testing.T) {
	invoice := testInvoice()
	if err := checkRoutable(invoice); err != nil {
		t.Fatalf("pending unlinked invoice must be routable: %v", err)
	}

	linked := testInvoice()
	entryId := uuid.New()
	linked.LedgerEntryId = &entryId
	if err := checkRoutable(linked); !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("ledger-linked invoice: got %v, want ErrAlreadyPosted", err)
	}

	queued := testInvoice()
	queued.ReviewStatus = models.InvoiceReviewStatusNeedsReview
	if err := checkRoutable(queued); !errors.Is(err, ErrAlreadyRouted) {
		t.Fatalf("queued invoice must not route twice: got %v", err)
	}

	rejected := testInvoice()
	rejected.ReviewStatus = models.InvoiceReviewStatusRejected
	if err := checkRoutable(rejected); !errors.Is(err, ErrAlreadyRouted) {
		t.Fatalf("rejected invoice must not re-enter routing: got %v", err)
	}
}

// NOTE: DB-free model of the resolution/posting atomicity guarantee. The real
// guarantee is that the voucher and the item's terminal status commit in one
// transaction; this validates the intended semantics: a failed resolution
// leaves neither a posted voucher nor a terminal item behind.
type fakeResolutionLedger struct {
	mu     sync.Mutex
	status models.ReviewItemStatus
	posted bool
}

func (s *fakeResolutionLedger) approve(failBeforeCommit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransitionTo(models.ReviewItemStatusApproved) {
		return ErrNotPending
	}
	// Stage both writes; apply only on commit.
	if failBeforeCommit {
		return ErrTransientFailure
	}
	s.posted = true
	s.status = models.ReviewItemStatusApproved
	return nil
}

func TestResolutionAndPostingCommitTogether(t *testing.T) {
	store := &fakeResolutionLedger{status: models.ReviewItemStatusPending}

	if err := store.approve(true); !errors.Is(err, ErrTransientFailure) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if store.posted || store.status != models.ReviewItemStatusPending {
		t.Fatalf("failed resolution must leave no voucher and a pending item, got posted=%v status=%s", store.posted, store.status)
	}

	if err := store.approve(false); err != nil {
		t.Fatalf("retry after rollback must succeed: %v", err)
	}
	if !store.posted || store.status != models.ReviewItemStatusApproved {
		t.Fatalf("committed resolution must post and finalize together, got posted=%v status=%s", store.posted, store.status)
	}
}

func TestDiffBookingAmounts(t *testing.T) {
	captured := testSuggestion()
	same := testSuggestion()
	vatOk, amountOk := diffBookingAmounts(captured, same)
	if !vatOk || !amountOk {
		t.Fatalf("identical bookings must diff clean, got vat=%v amount=%v", vatOk, amountOk)
	}

	changed := testSuggestion()
	changed.Lines[0].Debit = dec("7500.00")
	_, amountOk = diffBookingAmounts(captured, changed)
	if amountOk {
		t.Fatal("changed debit total must flag amount as corrected")
	}

	if vatOk, amountOk = diffBookingAmounts(nil, same); vatOk || amountOk {
		t.Fatal("missing captured suggestion counts as incorrect on both fields")
	}
}
