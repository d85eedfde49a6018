package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/synapse-core/internal/agent"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

func TestStubProviderEchoesLastUserMessage(t *testing.T) {
	p := NewStubProvider("stub-test")

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{
			{Role: "user", Blocks: []models.ContentBlock{models.TextBlock("hello there")}},
		},
	}
	chunks, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var text string
	var done bool
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Error)
		}
		text += chunk.Text
		if chunk.Done {
			done = true
		}
	}
	if !done {
		t.Fatal("expected a Done chunk")
	}
	if !strings.Contains(text, "hello there") {
		t.Fatalf("expected reply to echo input, got %q", text)
	}
}

func TestStubProviderDefaultsModelName(t *testing.T) {
	p := NewStubProvider("  ")
	got := p.Models()
	if len(got) != 1 || got[0].ID != "stub-1" {
		t.Fatalf("expected default model stub-1, got %+v", got)
	}
}

func TestStubProviderRejectsNilRequest(t *testing.T) {
	p := NewStubProvider("stub-test")
	if _, err := p.Complete(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestStubProviderSupportsToolsIsFalse(t *testing.T) {
	p := NewStubProvider("stub-test")
	if p.SupportsTools() {
		t.Fatal("expected stub provider to not support tools")
	}
}
