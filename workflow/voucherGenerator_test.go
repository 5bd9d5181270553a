package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"github.com/shopspring/decimal"
)

func testSystemAccounts() systemAccountSet {
	return systemAccountSet{
		Payable:  "2440",
		InputTax: "2641",
		Expense:  "6999",
	}
}

func TestBuildVoucherLines_StandardShape(t *testing.T) {
	invoice := testInvoice()
	confidence := 92
	lines := BuildVoucherLines(invoice, "5410", testSystemAccounts(), &confidence, "automatic booking")

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].AccountNumber != "5410" || !lines[0].Debit.Equal(dec("8000.00")) || !lines[0].Credit.IsZero() {
		t.Fatalf("unexpected expense line: %+v", lines[0])
	}
	if lines[1].AccountNumber != "2641" || !lines[1].Debit.Equal(dec("2000.00")) {
		t.Fatalf("unexpected input-tax line: %+v", lines[1])
	}
	if lines[2].AccountNumber != "2440" || !lines[2].Credit.Equal(dec("10000.00")) || !lines[2].Debit.IsZero() {
		t.Fatalf("unexpected payable line: %+v", lines[2])
	}
	for i, line := range lines {
		if line.LineNumber != i+1 {
			t.Fatalf("line numbers must be sequential, line %d has %d", i, line.LineNumber)
		}
	}
	if err := ValidateBalanced(lines); err != nil {
		t.Fatalf("standard shape must balance: %v", err)
	}
}

func TestBuildVoucherLines_NoTaxLineForZeroVat(t *testing.T) {
	invoice := testInvoice()
	invoice.VatAmount = decimal.Zero
	invoice.TotalAmount = invoice.AmountExclVat

	lines := BuildVoucherLines(invoice, "5410", testSystemAccounts(), nil, "")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines without VAT, got %d", len(lines))
	}
	if err := ValidateBalanced(lines); err != nil {
		t.Fatalf("two-line shape must balance: %v", err)
	}
}

func TestBuildVoucherLines_ExactlyOneSidePositive(t *testing.T) {
	confidence := 75
	lines := BuildVoucherLines(testInvoice(), "5410", testSystemAccounts(), &confidence, "check")
	for _, line := range lines {
		debitSet := line.Debit.IsPositive()
		creditSet := line.Credit.IsPositive()
		if debitSet == creditSet {
			t.Fatalf("exactly one of debit/credit must be positive: %+v", line)
		}
	}
}

func TestValidateBalanced_ReportsBothTotals(t *testing.T) {
	lines := []models.LedgerLine{
		{LineNumber: 1, AccountNumber: "5410", Debit: dec("1000.00"), Credit: decimal.Zero},
		{LineNumber: 2, AccountNumber: "2440", Debit: decimal.Zero, Credit: dec("999.99")},
	}
	err := ValidateBalanced(lines)
	if err == nil {
		t.Fatal("expected unbalanced error")
	}
	if !errors.Is(err, ErrUnbalanced) {
		t.Fatalf("expected ErrUnbalanced, got %v", err)
	}
	if !strings.Contains(err.Error(), "1000.00") || !strings.Contains(err.Error(), "999.99") {
		t.Fatalf("error should carry both totals: %q", err.Error())
	}
}

func TestValidateBalanced_ZeroTolerance(t *testing.T) {
	lines := []models.LedgerLine{
		{LineNumber: 1, AccountNumber: "5410", Debit: dec("100.00"), Credit: decimal.Zero},
		{LineNumber: 2, AccountNumber: "2440", Debit: decimal.Zero, Credit: dec("100.01")},
	}
	if err := ValidateBalanced(lines); err == nil {
		t.Fatal("one öre off must fail validation")
	}
}

func TestFormatVoucherNumber(t *testing.T) {
	cases := []struct {
		year int
		seq  int64
		want string
	}{
		{2026, 1, "2026-0001"},
		{2026, 42, "2026-0042"},
		{2026, 9999, "2026-9999"},
		{2026, 10000, "2026-10000"},
	}
	for _, tc := range cases {
		if got := models.FormatVoucherNumber(tc.year, tc.seq); got != tc.want {
			t.Fatalf("FormatVoucherNumber(%d, %d) = %q, want %q", tc.year, tc.seq, got, tc.want)
		}
	}
}

func TestPickExpenseAccount_OverrideBeatsLiveSuggestion(t *testing.T) {
	// An approval passes the captured snapshot's account as the override, so a
	// re-scored invoice cannot change what the reviewer signed off on.
	invoice := testInvoice()
	blob := `{"vendor_name":"Acme AB","lines":[{"account":"6110","debit":"8000.00"}]}`
	invoice.AiSuggestion = &blob

	override := "5410"
	if got := pickExpenseAccount(invoice, &override, "4000"); got != "5410" {
		t.Fatalf("override must win over the live suggestion, got %s", got)
	}
	if got := pickExpenseAccount(invoice, nil, "4000"); got != "6110" {
		t.Fatalf("without override the live suggestion's primary account wins, got %s", got)
	}

	bare := testInvoice()
	if got := pickExpenseAccount(bare, nil, "4000"); got != "4000" {
		t.Fatalf("no suggestion and no override falls back to the default, got %s", got)
	}

	empty := ""
	if got := pickExpenseAccount(invoice, &empty, "4000"); got != "6110" {
		t.Fatalf("empty override must not count as an override, got %s", got)
	}
}

func TestClassifyDbErr_WrapsTransient(t *testing.T) {
	if IsTransient(classifyDbErr(errors.New("plain failure"))) {
		t.Fatal("plain errors must not become transient")
	}
	if !IsTransient(classifyDbErr(context.DeadlineExceeded)) {
		t.Fatal("commit timeouts must surface as transient failures")
	}
}
