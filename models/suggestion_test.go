package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseBookingSuggestion(t *testing.T) {
	raw := `{"vendor_name":"Acme AB","lines":[{"account":"5410","debit":"8000.00","credit":"0","tax_code":"","description":"office supplies"}]}`
	suggestion, err := ParseBookingSuggestion(&raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if suggestion.VendorName != "Acme AB" || len(suggestion.Lines) != 1 {
		t.Fatalf("unexpected suggestion: %+v", suggestion)
	}
	if !suggestion.Lines[0].Debit.Equal(decimal.RequireFromString("8000.00")) {
		t.Fatalf("debit parsed wrong: %s", suggestion.Lines[0].Debit)
	}
}

func TestParseBookingSuggestion_NilAndEmpty(t *testing.T) {
	if s, err := ParseBookingSuggestion(nil); err != nil || s != nil {
		t.Fatalf("nil raw: got %v, %v", s, err)
	}
	empty := ""
	if s, err := ParseBookingSuggestion(&empty); err != nil || s != nil {
		t.Fatalf("empty raw: got %v, %v", s, err)
	}
	bad := "{not json"
	if _, err := ParseBookingSuggestion(&bad); err == nil {
		t.Fatal("malformed payload must error")
	}
}

func TestPrimaryExpenseAccount(t *testing.T) {
	suggestion := &BookingSuggestion{
		Lines: []SuggestionLine{
			{Account: "2440", Credit: decimal.RequireFromString("100.00")},
			{Account: "5410", Debit: decimal.RequireFromString("100.00")},
		},
	}
	account, ok := suggestion.PrimaryExpenseAccount()
	if !ok || account != "5410" {
		t.Fatalf("expected first debit line account 5410, got %q (%v)", account, ok)
	}

	var nilSuggestion *BookingSuggestion
	if _, ok := nilSuggestion.PrimaryExpenseAccount(); ok {
		t.Fatal("nil suggestion has no expense account")
	}
	if !nilSuggestion.Empty() {
		t.Fatal("nil suggestion must report empty")
	}
}

func TestNormalizeVendorTrigger(t *testing.T) {
	if got := NormalizeVendorTrigger("  ACME AB  "); got != "acme ab" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeVendorTrigger("   "); got != "" {
		t.Fatalf("whitespace-only must normalize to empty, got %q", got)
	}
}
