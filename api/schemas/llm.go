// File: api/schemas/llm.go
package schemas

import "context"

// GenerationRequest is the payload handed to the inference backend for one
// step proposal. The backend is treated as an opaque function from context
// to proposed action; nothing here assumes a particular provider.
type GenerationRequest struct {
	SystemPrompt    string  `json:"system_prompt"`
	UserPrompt      string  `json:"user_prompt"`
	Model           string  `json:"model,omitempty"` // overrides the client default when set
	Temperature     float64 `json:"temperature,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format,omitempty"`
}

// LLMClient is the contract the step proposer depends on. Responses carry
// no guarantee of determinism or well-formedness; every response must be
// validated by the caller.
type LLMClient interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
