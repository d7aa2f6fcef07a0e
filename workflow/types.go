// Package workflow runs a prompt through an ordered chain of role-labeled
// provider calls. Each stage's output becomes the next stage's input, and
// the first stage pauses for the user to approve or refine it.
package workflow

import "time"

// RoleID identifies a role within a template ("A".."E").
type RoleID string

// Status represents the state of a single stage.
type Status string

const (
	// StatusPending indicates the stage has not run, or its last call failed.
	StatusPending Status = "pending"
	// StatusProcessing indicates the stage's provider call is in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the stage produced output.
	StatusCompleted Status = "completed"
	// StatusAwaitingUserDecision indicates the first stage produced output and
	// the run is paused until the user advances or refines it.
	StatusAwaitingUserDecision Status = "awaiting_user_decision"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known stage status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusAwaitingUserDecision:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusProcessing
	case StatusProcessing:
		// processing → pending when the provider call fails
		return target == StatusCompleted || target == StatusAwaitingUserDecision || target == StatusPending
	case StatusAwaitingUserDecision:
		// awaiting → processing on refinement, completed on advance
		return target == StatusProcessing || target == StatusCompleted
	case StatusCompleted:
		// A completed stage can be re-run.
		return target == StatusProcessing
	default:
		return false
	}
}

// Stage is one role-execution unit in a run, bound to one provider.
type Stage struct {
	Index       int    `json:"index"`
	Role        RoleID `json:"role"`
	RoleName    string `json:"role_name"`
	Description string `json:"description"`

	// Provider is resolved from the role assignment when the run starts.
	Provider string `json:"provider,omitempty"`

	// Prompt is the stage input: the user request for stage 0, the rendered
	// handoff for later stages.
	Prompt string `json:"prompt,omitempty"`

	// RenderedPrompt is the exact text sent to the provider.
	RenderedPrompt string `json:"rendered_prompt,omitempty"`

	Output     string `json:"output,omitempty"`
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`

	// Error holds the message of the last failed call, cleared on success.
	Error string `json:"error,omitempty"`

	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Run is the aggregate state of one workflow instance.
type Run struct {
	ID            string  `json:"id,omitempty"`
	Template      string  `json:"template"`
	TemplateTitle string  `json:"template_title"`
	Generation    uint64  `json:"generation"`
	Started       bool    `json:"started"`
	Current       int     `json:"current"`
	Stages        []Stage `json:"stages"`
}

// AwaitingUserDecision reports whether the run is paused at the first stage.
func (r Run) AwaitingUserDecision() bool {
	return len(r.Stages) > 0 && r.Stages[0].Status == StatusAwaitingUserDecision
}

// Processing reports whether any stage has a call in flight.
func (r Run) Processing() bool {
	for _, st := range r.Stages {
		if st.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// Completed reports whether every stage with a provider has completed.
func (r Run) Completed() bool {
	if !r.Started {
		return false
	}
	ran := false
	for _, st := range r.Stages {
		if st.Provider == "" {
			continue
		}
		if st.Status != StatusCompleted {
			return false
		}
		ran = true
	}
	return ran
}

// clone returns a deep copy of the run.
func (r Run) clone() Run {
	out := r
	out.Stages = make([]Stage, len(r.Stages))
	copy(out.Stages, r.Stages)
	return out
}
