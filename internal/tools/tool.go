// Package tools hosts the tool registry, the built-in tools and the
// skill loader.
package tools

import (
	"context"

	"github.com/nextlevelbuilder/loopgate/internal/providers"
)

// Tool is one callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema for the tool input.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Definition converts a tool to the provider wire shape.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Parameters(),
	}
}
