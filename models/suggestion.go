package models

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// BookingSuggestion is the opaque AI payload captured on the invoice row.
// The suggestion source itself is an external collaborator; this is only the
// shape the pipeline consumes.
type BookingSuggestion struct {
	VendorName string           `json:"vendor_name"`
	Lines      []SuggestionLine `json:"lines"`
}

type SuggestionLine struct {
	Account     string          `json:"account"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	TaxCode     string          `json:"tax_code"`
	Description string          `json:"description"`
}

// PrimaryExpenseAccount returns the account of the first debit line, which is
// the cost account the suggestion proposes for the invoice body.
func (s *BookingSuggestion) PrimaryExpenseAccount() (string, bool) {
	if s == nil {
		return "", false
	}
	for _, line := range s.Lines {
		if line.Debit.IsPositive() {
			return line.Account, true
		}
	}
	return "", false
}

func (s *BookingSuggestion) Empty() bool {
	return s == nil || len(s.Lines) == 0
}

func ParseBookingSuggestion(raw *string) (*BookingSuggestion, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var suggestion BookingSuggestion
	if err := json.Unmarshal([]byte(*raw), &suggestion); err != nil {
		return nil, errors.New("malformed booking suggestion payload")
	}
	return &suggestion, nil
}

func (s *BookingSuggestion) Marshal() (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
