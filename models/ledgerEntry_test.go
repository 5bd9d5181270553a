package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTotalsAndBalanced(t *testing.T) {
	entry := &LedgerEntry{
		Lines: []LedgerLine{
			{LineNumber: 1, AccountNumber: "5410", Debit: decimal.RequireFromString("8000.00")},
			{LineNumber: 2, AccountNumber: "2641", Debit: decimal.RequireFromString("2000.00")},
			{LineNumber: 3, AccountNumber: "2440", Credit: decimal.RequireFromString("10000.00")},
		},
	}
	debit, credit := Totals(entry.Lines)
	if !debit.Equal(decimal.RequireFromString("10000.00")) || !credit.Equal(decimal.RequireFromString("10000.00")) {
		t.Fatalf("totals wrong: debit %s credit %s", debit, credit)
	}
	if !entry.Balanced() {
		t.Fatal("entry must be balanced")
	}

	entry.Lines[2].Credit = decimal.RequireFromString("9999.99")
	if entry.Balanced() {
		t.Fatal("one öre off must not balance")
	}
}

func TestSourceRefKinds(t *testing.T) {
	for _, kind := range []SourceKind{SourceKindInvoice, SourceKindBankTransaction, SourceKindManual} {
		if err := kind.Valid(); err != nil {
			t.Fatalf("%s must be valid: %v", kind, err)
		}
	}
	if err := SourceKind("email").Valid(); err == nil {
		t.Fatal("unknown source kind must be rejected")
	}
}
