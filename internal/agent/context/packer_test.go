package context

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/synapse-core/pkg/models"
)

func textMsg(id string, role models.Role, text string) *models.Message {
	return &models.Message{ID: id, Role: role, Blocks: []models.ContentBlock{models.TextBlock(text)}}
}

func summaryMsg(id, text string) *models.Message {
	return &models.Message{
		ID:     id,
		Role:   models.RoleSystem,
		Blocks: []models.ContentBlock{models.ContextSummaryBlock(text, 0)},
		Metadata: map[string]any{
			SummaryMetadataKey: true,
		},
	}
}

func TestPacker_IncludesIncomingMessage(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())
	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		textMsg("2", models.RoleAssistant, "Hi there"),
	}
	incoming := textMsg("3", models.RoleUser, "How are you?")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) != 3 {
		t.Errorf("expected 3 messages, got %d", len(packed))
	}

	last := packed[len(packed)-1]
	if last.ID != "3" {
		t.Errorf("last message should be incoming, got ID %s", last.ID)
	}
	if last.Text() != "How are you?" {
		t.Errorf("last message content mismatch")
	}
}

func TestPacker_RespectsMaxMessages(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxMessages = 3
	packer := NewPacker(opts)

	history := make([]*models.Message, 10)
	for i := 0; i < 10; i++ {
		history[i] = textMsg(string(rune('a'+i)), models.RoleUser, strings.Repeat("x", 100))
	}
	incoming := textMsg("incoming", models.RoleUser, "hi")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) > opts.MaxMessages {
		t.Errorf("packed %d messages, exceeds MaxMessages %d", len(packed), opts.MaxMessages)
	}

	found := false
	for _, m := range packed {
		if m.ID == "incoming" {
			found = true
			break
		}
	}
	if !found {
		t.Error("incoming message not included in packed result")
	}
}

func TestPacker_RespectsMaxChars(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxChars = 500
	packer := NewPacker(opts)

	history := make([]*models.Message, 5)
	for i := 0; i < 5; i++ {
		history[i] = textMsg(string(rune('a'+i)), models.RoleUser, strings.Repeat("x", 200))
	}
	incoming := textMsg("incoming", models.RoleUser, strings.Repeat("y", 50))

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	totalChars := 0
	for _, m := range packed {
		totalChars += len(m.Text())
	}

	if totalChars > opts.MaxChars {
		t.Errorf("total chars %d exceeds MaxChars %d", totalChars, opts.MaxChars)
	}

	if len(packed) > 1 {
		foundRecent := false
		for _, m := range packed {
			if m.ID == "e" {
				foundRecent = true
				break
			}
		}
		for _, m := range packed {
			if m.ID != "incoming" && m.ID == "a" && foundRecent {
				t.Error("oldest message included but not newest")
			}
		}
	}
}

func TestPacker_TruncatesToolResults(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxToolResultChars = 100
	packer := NewPacker(opts)

	history := []*models.Message{
		{
			ID:   "1",
			Role: models.RoleTool,
			Blocks: []models.ContentBlock{
				models.ToolResultBlock("tc1", strings.Repeat("x", 500), false),
			},
		},
	}
	incoming := textMsg("2", models.RoleUser, "hi")

	packed, err := packer.Pack(history, incoming, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	var toolMsg *models.Message
	for _, m := range packed {
		if len(m.ToolResultBlocks()) > 0 {
			toolMsg = m
			break
		}
	}

	if toolMsg == nil {
		t.Fatal("tool message not found in packed result")
	}

	content := toolMsg.ToolResultBlocks()[0].ToolResultContent
	if len(content) > opts.MaxToolResultChars+20 {
		t.Errorf("tool result not truncated: len=%d, expected ~%d", len(content), opts.MaxToolResultChars)
	}
	if !strings.Contains(content, "...[truncated]") {
		t.Error("truncated tool result missing truncation marker")
	}
}

func TestPacker_IncludesSummary(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
	}
	incoming := textMsg("2", models.RoleUser, "hi")
	summary := summaryMsg("summary", "This is a summary")

	packed, err := packer.Pack(history, incoming, summary)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	if len(packed) < 1 {
		t.Fatal("packed result is empty")
	}
	if packed[0].ID != "summary" {
		t.Errorf("summary should be first, got ID %s", packed[0].ID)
	}
}

func TestPacker_FiltersSummaryMessagesFromHistory(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		summaryMsg("old-summary", "Old summary"),
		textMsg("2", models.RoleAssistant, "Hi"),
	}
	incoming := textMsg("3", models.RoleUser, "hi")
	newSummary := summaryMsg("new-summary", "New summary")

	packed, err := packer.Pack(history, incoming, newSummary)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	for _, m := range packed {
		if m.ID == "old-summary" {
			t.Error("old summary from history should be filtered out")
		}
	}

	found := false
	for _, m := range packed {
		if m.ID == "new-summary" {
			found = true
			break
		}
	}
	if !found {
		t.Error("new summary should be included")
	}
}

func TestFindLatestSummary(t *testing.T) {
	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		summaryMsg("summary1", "First summary"),
		textMsg("2", models.RoleAssistant, "Hi"),
		summaryMsg("summary2", "Second summary"),
		textMsg("3", models.RoleUser, "Thanks"),
	}

	summary := FindLatestSummary(history)
	if summary == nil {
		t.Fatal("expected to find summary")
	}
	if summary.ID != "summary2" {
		t.Errorf("expected latest summary (summary2), got %s", summary.ID)
	}
}

func TestFindLatestSummary_NoSummary(t *testing.T) {
	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		textMsg("2", models.RoleAssistant, "Hi"),
	}

	summary := FindLatestSummary(history)
	if summary != nil {
		t.Error("expected nil when no summary exists")
	}
}

func TestMessagesSinceSummary(t *testing.T) {
	summary := summaryMsg("summary", "Summary")

	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		summary,
		textMsg("2", models.RoleAssistant, "Hi"),
		textMsg("3", models.RoleUser, "Thanks"),
	}

	since := MessagesSinceSummary(history, summary)
	if len(since) != 2 {
		t.Errorf("expected 2 messages after summary, got %d", len(since))
	}
	if since[0].ID != "2" || since[1].ID != "3" {
		t.Error("messages after summary are incorrect")
	}
}

func TestGetMessagesToSummarize(t *testing.T) {
	mk := func(id, text string, age time.Duration) *models.Message {
		m := textMsg(id, models.RoleUser, text)
		m.CreatedAt = time.Now().Add(-age)
		return m
	}
	history := []*models.Message{
		mk("1", "Hello", 5*time.Hour),
		mk("2", "Hi", 4*time.Hour),
		mk("3", "How are you?", 3*time.Hour),
		mk("4", "Good!", 2*time.Hour),
		mk("5", "Great", 1*time.Hour),
	}

	toSummarize := GetMessagesToSummarize(history, nil, 2)
	if len(toSummarize) != 3 {
		t.Errorf("expected 3 messages to summarize, got %d", len(toSummarize))
	}

	for _, m := range toSummarize {
		if m.ID == "4" || m.ID == "5" {
			t.Errorf("recent message %s should not be in summarize list", m.ID)
		}
	}
}

// =============================================================================
// Diagnostics Tests
// =============================================================================

func TestPackWithDiagnostics_BasicCounts(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())
	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		textMsg("2", models.RoleAssistant, "Hi there"),
	}
	incoming := textMsg("3", models.RoleUser, "How are you?")

	result := packer.PackWithDiagnostics(history, incoming, nil)

	if result.Diagnostics == nil {
		t.Fatal("expected diagnostics")
	}

	diag := result.Diagnostics
	if diag.Candidates != 2 {
		t.Errorf("expected 2 candidates (history), got %d", diag.Candidates)
	}
	if diag.Included != 2 {
		t.Errorf("expected 2 included, got %d", diag.Included)
	}
	if diag.Dropped != 0 {
		t.Errorf("expected 0 dropped, got %d", diag.Dropped)
	}
	if diag.SummaryUsed {
		t.Error("expected SummaryUsed=false")
	}
}

func TestPackWithDiagnostics_BudgetTracking(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxChars = 500
	opts.MaxMessages = 10
	packer := NewPacker(opts)

	history := []*models.Message{
		textMsg("1", models.RoleUser, strings.Repeat("a", 100)),
		textMsg("2", models.RoleAssistant, strings.Repeat("b", 100)),
	}
	incoming := textMsg("3", models.RoleUser, strings.Repeat("c", 50))

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics

	if diag.BudgetChars != 500 {
		t.Errorf("expected BudgetChars=500, got %d", diag.BudgetChars)
	}
	if diag.BudgetMessages != 10 {
		t.Errorf("expected BudgetMessages=10, got %d", diag.BudgetMessages)
	}
	if diag.UsedChars <= 0 {
		t.Errorf("expected positive UsedChars, got %d", diag.UsedChars)
	}
	if diag.UsedMessages != 3 {
		t.Errorf("expected UsedMessages=3, got %d", diag.UsedMessages)
	}
}

func TestPackWithDiagnostics_DroppedDueToOverBudget(t *testing.T) {
	opts := DefaultPackOptions()
	opts.MaxChars = 200
	packer := NewPacker(opts)

	history := []*models.Message{
		textMsg("1", models.RoleUser, strings.Repeat("a", 100)),
		textMsg("2", models.RoleAssistant, strings.Repeat("b", 100)),
		textMsg("3", models.RoleUser, strings.Repeat("c", 100)),
	}
	incoming := textMsg("4", models.RoleUser, strings.Repeat("d", 50))

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics

	if diag.Dropped == 0 {
		t.Error("expected some dropped messages due to budget")
	}

	var overBudgetCount int
	for _, item := range diag.Items {
		if item.Reason == models.ContextReasonOverBudget {
			overBudgetCount++
			if item.Included {
				t.Error("over_budget item should not be included")
			}
		}
	}
	if overBudgetCount == 0 {
		t.Error("expected some items with over_budget reason")
	}
}

func TestPackWithDiagnostics_SummaryTracking(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
	}
	incoming := textMsg("2", models.RoleUser, "hi")
	summary := summaryMsg("summary", strings.Repeat("x", 200))

	result := packer.PackWithDiagnostics(history, incoming, summary)
	diag := result.Diagnostics

	if !diag.SummaryUsed {
		t.Error("expected SummaryUsed=true")
	}
	if diag.SummaryChars != 200 {
		t.Errorf("expected SummaryChars=200, got %d", diag.SummaryChars)
	}

	var foundSummaryItem bool
	for _, item := range diag.Items {
		if item.Kind == models.ContextItemSummary {
			foundSummaryItem = true
			if item.Reason != models.ContextReasonReserved {
				t.Errorf("expected summary reason=reserved, got %s", item.Reason)
			}
			if !item.Included {
				t.Error("summary item should be included")
			}
		}
	}
	if !foundSummaryItem {
		t.Error("expected summary item in diagnostics")
	}
}

func TestPackWithDiagnostics_ItemKindClassification(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{
		textMsg("1", models.RoleUser, "Hello"),
		{ID: "2", Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			models.TextBlock("Hi"),
			models.ToolUseBlock("tc1", "test", nil),
		}},
		{ID: "3", Role: models.RoleTool, Blocks: []models.ContentBlock{
			models.ToolResultBlock("tc1", "result", false),
		}},
	}
	incoming := textMsg("4", models.RoleUser, "thanks")

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics

	kindCounts := make(map[models.ContextItemKind]int)
	for _, item := range diag.Items {
		kindCounts[item.Kind]++
	}

	if kindCounts[models.ContextItemHistory] != 1 {
		t.Errorf("expected 1 history item, got %d", kindCounts[models.ContextItemHistory])
	}
	if kindCounts[models.ContextItemTool] != 2 {
		t.Errorf("expected 2 tool items, got %d", kindCounts[models.ContextItemTool])
	}
	if kindCounts[models.ContextItemIncoming] != 1 {
		t.Errorf("expected 1 incoming item, got %d", kindCounts[models.ContextItemIncoming])
	}
}

func TestPackWithDiagnostics_ItemIDs(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())

	history := []*models.Message{
		textMsg("msg-1", models.RoleUser, "Hello"),
		textMsg("msg-2", models.RoleAssistant, "Hi"),
	}
	incoming := textMsg("msg-3", models.RoleUser, "How are you?")

	result := packer.PackWithDiagnostics(history, incoming, nil)
	diag := result.Diagnostics

	for i, item := range diag.Items {
		if item.ID == "" {
			t.Errorf("item %d has empty ID", i)
		}
		if len(item.ID) != 12 {
			t.Errorf("item %d ID has unexpected length: %d", i, len(item.ID))
		}
	}
}

func TestPacker_WithoutTokenEstimatorLeavesUsedTokensZero(t *testing.T) {
	packer := NewPacker(DefaultPackOptions())
	incoming := textMsg("msg-1", models.RoleUser, "Hello there")

	result := packer.PackWithDiagnostics(nil, incoming, nil)
	if result.Diagnostics.UsedTokens != 0 {
		t.Errorf("expected UsedTokens to stay 0 without an estimator, got %d", result.Diagnostics.UsedTokens)
	}
}

func TestPacker_WithTokenEstimatorReportsUsedTokens(t *testing.T) {
	estimator, err := NewTokenEstimator("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenEstimator: %v", err)
	}
	packer := NewPacker(DefaultPackOptions()).WithTokenEstimator(estimator)
	incoming := textMsg("msg-1", models.RoleUser, "Hello there, how are you doing today?")

	result := packer.PackWithDiagnostics(nil, incoming, nil)
	if result.Diagnostics.UsedTokens <= 0 {
		t.Errorf("expected a positive token count, got %d", result.Diagnostics.UsedTokens)
	}
}

func TestTokenEstimator_FallsBackToCl100kBaseForUnknownModel(t *testing.T) {
	estimator, err := NewTokenEstimator("not-a-real-model")
	if err != nil {
		t.Fatalf("NewTokenEstimator: %v", err)
	}
	if estimator.Count("hello world") <= 0 {
		t.Error("expected a positive token count from the fallback encoding")
	}
}
