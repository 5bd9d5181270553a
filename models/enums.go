package models

import "errors"

type InvoiceReviewStatus string

const (
	InvoiceReviewStatusPending      InvoiceReviewStatus = "pending"
	InvoiceReviewStatusAutoApproved InvoiceReviewStatus = "auto_approved"
	InvoiceReviewStatusNeedsReview  InvoiceReviewStatus = "needs_review"
	InvoiceReviewStatusRejected     InvoiceReviewStatus = "rejected"
)

func (s InvoiceReviewStatus) Valid() error {
	switch s {
	case InvoiceReviewStatusPending,
		InvoiceReviewStatusAutoApproved,
		InvoiceReviewStatusNeedsReview,
		InvoiceReviewStatusRejected:
		return nil
	}
	return errors.New("invalid invoice review status")
}

type LedgerEntryStatus string

const (
	LedgerEntryStatusPosted   LedgerEntryStatus = "posted"
	LedgerEntryStatusReversed LedgerEntryStatus = "reversed"
	LedgerEntryStatusRejected LedgerEntryStatus = "rejected"
)

func (s LedgerEntryStatus) Valid() error {
	switch s {
	case LedgerEntryStatusPosted, LedgerEntryStatusReversed, LedgerEntryStatusRejected:
		return nil
	}
	return errors.New("invalid ledger entry status")
}

type ReviewItemStatus string

const (
	ReviewItemStatusPending    ReviewItemStatus = "pending"
	ReviewItemStatusInProgress ReviewItemStatus = "in_progress"
	ReviewItemStatusApproved   ReviewItemStatus = "approved"
	ReviewItemStatusCorrected  ReviewItemStatus = "corrected"
	ReviewItemStatusRejected   ReviewItemStatus = "rejected"
)

func (s ReviewItemStatus) Valid() error {
	switch s {
	case ReviewItemStatusPending,
		ReviewItemStatusInProgress,
		ReviewItemStatusApproved,
		ReviewItemStatusCorrected,
		ReviewItemStatusRejected:
		return nil
	}
	return errors.New("invalid review item status")
}

// Terminal reports whether no further transition is legal from s.
func (s ReviewItemStatus) Terminal() bool {
	switch s {
	case ReviewItemStatusApproved, ReviewItemStatusCorrected, ReviewItemStatusRejected:
		return true
	}
	return false
}

// CanTransitionTo enforces the resolution lifecycle:
// pending -> {in_progress, approved, corrected, rejected};
// in_progress -> {approved, corrected, rejected}; the rest terminal.
func (s ReviewItemStatus) CanTransitionTo(next ReviewItemStatus) bool {
	switch s {
	case ReviewItemStatusPending:
		switch next {
		case ReviewItemStatusInProgress,
			ReviewItemStatusApproved,
			ReviewItemStatusCorrected,
			ReviewItemStatusRejected:
			return true
		}
	case ReviewItemStatusInProgress:
		switch next {
		case ReviewItemStatusApproved,
			ReviewItemStatusCorrected,
			ReviewItemStatusRejected:
			return true
		}
	}
	return false
}

type ReviewPriority string

const (
	ReviewPriorityLow    ReviewPriority = "low"
	ReviewPriorityMedium ReviewPriority = "medium"
	ReviewPriorityHigh   ReviewPriority = "high"
	ReviewPriorityUrgent ReviewPriority = "urgent"
)

func (p ReviewPriority) Valid() error {
	switch p {
	case ReviewPriorityLow, ReviewPriorityMedium, ReviewPriorityHigh, ReviewPriorityUrgent:
		return nil
	}
	return errors.New("invalid review priority")
}

type IssueCategory string

const (
	IssueCategoryLowConfidence        IssueCategory = "low_confidence"
	IssueCategoryUnknownVendor        IssueCategory = "unknown_vendor"
	IssueCategoryUnusualAmount        IssueCategory = "unusual_amount"
	IssueCategoryMissingVat           IssueCategory = "missing_vat"
	IssueCategoryUnclearDescription   IssueCategory = "unclear_description"
	IssueCategoryDuplicateInvoice     IssueCategory = "duplicate_invoice"
	IssueCategoryProcessingError      IssueCategory = "processing_error"
	IssueCategoryManualReviewRequired IssueCategory = "manual_review_required"
)

func (c IssueCategory) Valid() error {
	switch c {
	case IssueCategoryLowConfidence,
		IssueCategoryUnknownVendor,
		IssueCategoryUnusualAmount,
		IssueCategoryMissingVat,
		IssueCategoryUnclearDescription,
		IssueCategoryDuplicateInvoice,
		IssueCategoryProcessingError,
		IssueCategoryManualReviewRequired:
		return nil
	}
	return errors.New("invalid issue category")
}

// SourceKind tags the back-reference carried by ledger entries and review
// items. Consumers switch over known kinds instead of branching on free text.
type SourceKind string

const (
	SourceKindInvoice         SourceKind = "invoice"
	SourceKindBankTransaction SourceKind = "bank_transaction"
	SourceKindManual          SourceKind = "manual"
)

func (k SourceKind) Valid() error {
	switch k {
	case SourceKindInvoice, SourceKindBankTransaction, SourceKindManual:
		return nil
	}
	return errors.New("invalid source kind")
}

type PatternType string

const (
	PatternTypeVendorBooking PatternType = "vendor_booking"
)

func (t PatternType) Valid() error {
	switch t {
	case PatternTypeVendorBooking:
		return nil
	}
	return errors.New("invalid pattern type")
}

type AuditAction string

const (
	AuditActionVoucherPosted   AuditAction = "voucher_posted"
	AuditActionVoucherReversed AuditAction = "voucher_reversed"
	AuditActionReviewQueued    AuditAction = "review_queued"
	AuditActionReviewApproved  AuditAction = "review_approved"
	AuditActionReviewCorrected AuditAction = "review_corrected"
	AuditActionReviewRejected  AuditAction = "review_rejected"
)

func (a AuditAction) Valid() error {
	switch a {
	case AuditActionVoucherPosted,
		AuditActionVoucherReversed,
		AuditActionReviewQueued,
		AuditActionReviewApproved,
		AuditActionReviewCorrected,
		AuditActionReviewRejected:
		return nil
	}
	return errors.New("invalid audit action")
}
