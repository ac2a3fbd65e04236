// File: api/schemas/tools.go
package schemas

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
)

// ParamSpec describes one named parameter of a tool.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// ToolDescriptor is the registration format every tool callable by the
// execution runner must satisfy. Descriptors are registered once at
// process start and are read-only thereafter.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      []ParamSpec     `json:"params,omitempty"`
	Tier        RiskTier        `json:"tier"`
	Effect      SideEffectClass `json:"effect"`
	// LongRunning marks process-spawn tools that register a ProcessHandle
	// instead of blocking the loop until completion.
	LongRunning bool `json:"long_running,omitempty"`
}

// Param returns the spec for the named parameter, if declared.
func (d ToolDescriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}
