package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/loopgate/internal/errs"
	"github.com/nextlevelbuilder/loopgate/internal/providers"
	"github.com/nextlevelbuilder/loopgate/internal/tracing"
)

// Approver gates tool execution on human approval. Decide blocks until the
// call is approved, rejected or timed out; a nil error means run the tool.
type Approver interface {
	Decide(ctx context.Context, tenantID, agentID, toolName string, args map[string]any) error
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the available tools. Registration compiles each tool's
// input schema once; execution validates arguments against it.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]registeredTool
	approver Approver
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]registeredTool),
		logger: logger,
	}
}

// SetApprover installs the approval gate. May be nil (no gating).
func (r *Registry) SetApprover(a Approver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approver = a
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		r.logger.Debug("tool replaced", "tool", t.Name())
	}
	r.tools[t.Name()] = registeredTool{tool: t, schema: schema}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Names returns registered tool names sorted for deterministic output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider tool definitions. A non-nil allowList
// restricts the set; nil means all tools.
func (r *Registry) Definitions(allowList []string) []providers.ToolDefinition {
	var allowed map[string]bool
	if allowList != nil {
		allowed = make(map[string]bool, len(allowList))
		for _, name := range allowList {
			allowed[name] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if allowed == nil || allowed[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, Definition(r.tools[name].tool))
	}
	return defs
}

// Execute validates args against the tool schema, passes the approval gate
// and runs the tool. Failures come back as error Results so the LLM can
// react; only unknown tools return a Go error.
func (r *Registry) Execute(ctx context.Context, tenantID, agentID, name string, args map[string]any) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	r.mu.RLock()
	rt, ok := r.tools[name]
	approver := r.approver
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if err := validateArgs(rt.schema, args); err != nil {
		verr := errs.Wrap(errs.KindToolValidation,
			fmt.Sprintf("tool %s input rejected", name), err)
		return ErrorResult(fmt.Sprintf("Invalid input for %s: %v", name, err)).WithError(verr), nil
	}

	if approver != nil {
		if err := approver.Decide(ctx, tenantID, agentID, name, args); err != nil {
			return ErrorResult(fmt.Sprintf("Tool %s was not approved: %v", name, err)).WithError(err), nil
		}
	}

	result := rt.tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if result.IsError && result.Err == nil {
		result.Err = errs.New(errs.KindToolExecution, result.ForLLM)
	}
	return result, nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	// Round-trip through JSON so Go-typed values (ints, []string) become
	// the plain shapes the compiler expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	// Normalize through JSON for the same reason as compile time.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal args: %w", err)
	}
	return schema.Validate(doc)
}
