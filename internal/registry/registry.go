// File: internal/registry/registry.go

// Package registry holds the total table of tools the agent may invoke.
// Descriptors are built once at startup and read-only thereafter; every
// proposed step is resolved and validated here before it reaches the
// safety gate.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
)

// NotFoundError reports a proposed tool name with no descriptor.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// ValidationError reports every argument problem found in a single step,
// so the proposer gets the full picture in one round trip.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Registry is the immutable tool table.
type Registry struct {
	tools  map[string]schemas.ToolDescriptor
	names  []string // sorted, for stable catalog output
	logger *zap.Logger
}

// New builds the registry from the builtin descriptor table.
func New(logger *zap.Logger) *Registry {
	return NewFromDescriptors(logger, builtinDescriptors())
}

// NewFromDescriptors builds a registry from an explicit descriptor list.
// Duplicate names are a programming error and panic at startup.
func NewFromDescriptors(logger *zap.Logger, descriptors []schemas.ToolDescriptor) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tools:  make(map[string]schemas.ToolDescriptor, len(descriptors)),
		logger: logger.Named("registry"),
	}
	for _, d := range descriptors {
		if _, dup := r.tools[d.Name]; dup {
			panic(fmt.Sprintf("duplicate tool descriptor: %s", d.Name))
		}
		r.tools[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	r.logger.Debug("Tool registry initialized", zap.Int("tools", len(r.names)))
	return r
}

// Lookup resolves a tool name to its descriptor.
func (r *Registry) Lookup(name string) (schemas.ToolDescriptor, error) {
	d, ok := r.tools[name]
	if !ok {
		return schemas.ToolDescriptor{}, &NotFoundError{Name: name}
	}
	return d, nil
}

// Names returns the sorted list of registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Catalog returns every descriptor in stable name order, for prompt
// assembly.
func (r *Registry) Catalog() []schemas.ToolDescriptor {
	out := make([]schemas.ToolDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n])
	}
	return out
}

// Validate checks a step's arguments against the tool's parameter specs.
// It returns a NotFoundError for an unregistered tool, or a
// ValidationError listing every missing, unknown, or mistyped argument.
func (r *Registry) Validate(step schemas.Step) error {
	d, err := r.Lookup(step.Tool)
	if err != nil {
		return err
	}

	var problems []string
	for _, p := range d.Params {
		v, present := step.Args[p.Name]
		if !present {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if msg := checkType(p, v); msg != "" {
			problems = append(problems, msg)
		}
	}
	for name := range step.Args {
		if _, declared := d.Param(name); !declared {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Tool: step.Tool, Problems: problems}
	}
	return nil
}

// checkType verifies a decoded JSON value against the declared parameter
// type. JSON numbers arrive as float64; integral values are accepted for
// int parameters.
func checkType(p schemas.ParamSpec, v any) string {
	switch p.Type {
	case schemas.ParamString:
		if _, ok := v.(string); !ok {
			return fmt.Sprintf("parameter %q must be a string", p.Name)
		}
	case schemas.ParamInt:
		switch n := v.(type) {
		case int:
		case int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Sprintf("parameter %q must be an integer", p.Name)
			}
		default:
			return fmt.Sprintf("parameter %q must be an integer", p.Name)
		}
	case schemas.ParamBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("parameter %q must be a boolean", p.Name)
		}
	}
	return ""
}
