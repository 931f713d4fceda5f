package task

import (
	"testing"
	"time"
)

func TestNewDefaultsTitle(t *testing.T) {
	tk := New("t1", "", time.Now())
	if tk.Title != "Email Task" {
		t.Fatalf("expected fallback title, got %q", tk.Title)
	}
	if tk.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", tk.Status)
	}
}

func TestAdvanceForbidsBackward(t *testing.T) {
	tk := New("t1", "x", time.Now())
	if err := tk.Advance(StatusRunning); err != nil {
		t.Fatalf("pending->running should be legal: %v", err)
	}
	if err := tk.Advance(StatusCompleted); err != nil {
		t.Fatalf("running->completed should be legal: %v", err)
	}
	if err := tk.Advance(StatusRunning); err == nil {
		t.Fatalf("completed->running should be illegal")
	}
}

func TestAdvanceAbandonedOnlyFromFailed(t *testing.T) {
	tk := New("t1", "x", time.Now())
	if err := tk.Advance(StatusAbandoned); err == nil {
		t.Fatalf("pending->abandoned should be illegal")
	}
	_ = tk.Advance(StatusFailed)
	if err := tk.Advance(StatusAbandoned); err != nil {
		t.Fatalf("failed->abandoned should be legal: %v", err)
	}
}

func TestSetDeadlineMustBeFuture(t *testing.T) {
	now := time.Now()
	tk := New("t1", "x", now)
	if err := tk.SetDeadline(now.Add(-time.Hour)); err == nil {
		t.Fatalf("past deadline should be rejected")
	}
	if err := tk.SetDeadline(now.Add(time.Hour)); err != nil {
		t.Fatalf("future deadline should be accepted: %v", err)
	}
}

func TestAssignAgentsExcludesPrimaryFromSupporting(t *testing.T) {
	tk := New("t1", "x", time.Now())
	tk.AssignAgents("coder", []string{"coder", "tester"}, "matched feature_request")
	if len(tk.SupportingAgents) != 1 || tk.SupportingAgents[0] != "tester" {
		t.Fatalf("expected supporting=[tester], got %v", tk.SupportingAgents)
	}
}

func TestAddTagsDedupesCaseInsensitivePreservingOrder(t *testing.T) {
	tk := New("t1", "x", time.Now())
	tk.AddTags("Go", "golang", "GO", "docker")
	if len(tk.Tags) != 3 {
		t.Fatalf("expected 3 deduped tags, got %v", tk.Tags)
	}
	if tk.Tags[0] != "Go" {
		t.Fatalf("expected first occurrence preserved, got %v", tk.Tags)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !PriorityUrgent.GreaterOrEqual(PriorityHigh) {
		t.Fatalf("urgent should outrank high")
	}
	if PriorityLow.GreaterOrEqual(PriorityMedium) {
		t.Fatalf("low should not outrank medium")
	}
}
