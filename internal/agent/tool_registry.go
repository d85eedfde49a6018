package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/synapse-core/internal/tools/policy"
	"github.com/haasonsaas/synapse-core/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found or parameters are invalid.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	// Validate tool name
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}

	// Validate params size
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if err := validateToolParams(tool, params); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("invalid parameters for %s: %v", name, err),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, params)
}

// toolSchemaCache holds compiled JSON schemas keyed by tool name, since
// compiling is not cheap and a tool's Schema() is static for its lifetime.
var toolSchemaCache sync.Map

// validateToolParams checks params against tool.Schema() before Execute
// runs, so malformed LLM-generated arguments are rejected with a plain
// ToolResult error rather than reaching tool-specific unmarshal code.
// A tool whose schema fails to compile is left unvalidated rather than
// blocking every call to it.
func validateToolParams(tool Tool, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	schema, err := compileToolSchema(tool)
	if err != nil || schema == nil {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return schema.Validate(decoded)
}

func compileToolSchema(tool Tool) (*jsonschema.Schema, error) {
	name := tool.Name()
	if cached, ok := toolSchemaCache.Load(name); ok {
		compiled, _ := cached.(*jsonschema.Schema)
		return compiled, nil
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(name, compiled)
	return compiled, nil
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ContentBlock, resolver *policy.Resolver) models.ContentBlock {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ContentBlock, results []models.ContentBlock, resolver *policy.Resolver) []models.ContentBlock {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ToolUseID != "" {
			namesByID[tc.ToolUseID] = tc.ToolName
		}
	}

	guarded := make([]models.ContentBlock, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolUseID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].ToolName
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}
