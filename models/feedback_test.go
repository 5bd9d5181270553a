package models

import "testing"

func confirmed(account string) FeedbackOutcome {
	yes := true
	return FeedbackOutcome{FinalAccount: account, FullyConfirmed: &yes}
}

func corrected(account string) FeedbackOutcome {
	no := false
	return FeedbackOutcome{FinalAccount: account, FullyConfirmed: &no}
}

func TestConfirmationStreak(t *testing.T) {
	// Outcomes are newest first.
	if got := ConfirmationStreak([]FeedbackOutcome{confirmed("5410"), confirmed("5410"), confirmed("5410")}, "5410"); got != 3 {
		t.Fatalf("three consecutive confirmations: got %d", got)
	}
	if got := ConfirmationStreak([]FeedbackOutcome{confirmed("5410"), corrected("5410"), confirmed("5410")}, "5410"); got != 1 {
		t.Fatalf("an intervening correction must reset the streak: got %d", got)
	}
	if got := ConfirmationStreak([]FeedbackOutcome{corrected("5410"), confirmed("5410"), confirmed("5410")}, "5410"); got != 0 {
		t.Fatalf("latest resolution corrected: got %d", got)
	}
	if got := ConfirmationStreak([]FeedbackOutcome{confirmed("6110"), confirmed("5410")}, "5410"); got != 0 {
		t.Fatalf("a confirmation on another account breaks the streak: got %d", got)
	}
	if got := ConfirmationStreak([]FeedbackOutcome{{FinalAccount: "5410"}}, "5410"); got != 0 {
		t.Fatalf("missing confirmation flag must not count: got %d", got)
	}
	if got := ConfirmationStreak(nil, "5410"); got != 0 {
		t.Fatalf("no history, no streak: got %d", got)
	}
}
