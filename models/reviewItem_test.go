package models

import (
	"context"
	"testing"
)

// NOTE: These tests are intentionally DB-free; the claim guard rejects
// terminal items before any storage access.
func TestMarkInProgress_RejectsTerminalItems(t *testing.T) {
	for _, status := range []ReviewItemStatus{
		ReviewItemStatusApproved,
		ReviewItemStatusCorrected,
		ReviewItemStatusRejected,
	} {
		item := &ReviewQueueItem{Status: status}
		if err := item.MarkInProgress(context.Background(), "reviewer-1"); err == nil {
			t.Fatalf("claiming a %s item must fail", status)
		}
		if item.Status != status {
			t.Fatalf("failed claim must not mutate the item, got %s", item.Status)
		}
	}

	inProgress := &ReviewQueueItem{Status: ReviewItemStatusInProgress}
	if err := inProgress.MarkInProgress(context.Background(), "reviewer-1"); err == nil {
		t.Fatal("claiming an in_progress item must fail")
	}
}
