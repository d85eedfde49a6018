package agent

import (
	"testing"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestFailureDetector_ShouldStop_Threshold(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 5, Threshold: 3})

	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	if d.ShouldStop("s1") {
		t.Fatal("should not stop before reaching the threshold")
	}

	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	if !d.ShouldStop("s1") {
		t.Fatal("expected ShouldStop once the threshold is reached")
	}
}

func TestFailureDetector_SuccessResetsNothingButDoesNotCount(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 5, Threshold: 2})

	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureNone})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureNone})

	if d.ShouldStop("s1") {
		t.Fatal("a single countable failure among successes should not trip the threshold")
	}
	if d.FailureCount("s1") != 1 {
		t.Errorf("FailureCount = %d, want 1", d.FailureCount("s1"))
	}
}

func TestFailureDetector_WindowSlidesOut(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 3, Threshold: 2})

	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	if !d.ShouldStop("s1") {
		t.Fatal("expected ShouldStop after two failures in a 3-window with threshold 2")
	}

	// Three more successes push both failures out of the window.
	d.RecordTurn("s1", []models.FailureCategory{models.FailureNone})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureNone})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureNone})

	if d.ShouldStop("s1") {
		t.Fatal("expected failures to have slid out of the window")
	}
	if d.FailureCount("s1") != 0 {
		t.Errorf("FailureCount = %d, want 0 after window slid past both failures", d.FailureCount("s1"))
	}
}

func TestFailureDetector_NonCountableBypassesWindow(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 3, Threshold: 1})

	d.RecordTurn("s1", []models.FailureCategory{models.FailurePermissionDenied})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureUserInterrupt})

	if d.ShouldStop("s1") {
		t.Fatal("non-countable failures must not advance the window")
	}
	if d.FailureCount("s1") != 0 {
		t.Errorf("FailureCount = %d, want 0", d.FailureCount("s1"))
	}
}

func TestFailureDetector_SessionsAreIndependent(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 3, Threshold: 1})

	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	if !d.ShouldStop("s1") {
		t.Fatal("expected s1 to stop")
	}
	if d.ShouldStop("s2") {
		t.Fatal("s2 should be unaffected by s1's failures")
	}
}

func TestFailureDetector_Reset(t *testing.T) {
	d := NewFailureDetector(FailureDetectorConfig{WindowSize: 3, Threshold: 1})
	d.RecordTurn("s1", []models.FailureCategory{models.FailureCountable})
	if !d.ShouldStop("s1") {
		t.Fatal("expected s1 to stop before reset")
	}

	d.Reset("s1")
	if d.ShouldStop("s1") {
		t.Fatal("expected ShouldStop to be false after Reset")
	}
}

func TestClassifyToolResult(t *testing.T) {
	ok := models.ToolResultBlock("id1", "done", false)
	if got := ClassifyToolResult(ok); got != models.FailureNone {
		t.Errorf("ClassifyToolResult(success) = %q, want %q", got, models.FailureNone)
	}

	failed := models.ToolResultBlock("id2", "boom", true)
	if got := ClassifyToolResult(failed); got != models.FailureCountable {
		t.Errorf("ClassifyToolResult(failure) = %q, want %q", got, models.FailureCountable)
	}
}

func TestDefaultFailureDetectorConfig(t *testing.T) {
	cfg := DefaultFailureDetectorConfig()
	if cfg.WindowSize <= 0 || cfg.Threshold <= 0 {
		t.Errorf("unexpected zero-value defaults: %+v", cfg)
	}
}
