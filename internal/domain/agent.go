package domain

import "time"

// Jurisdiction is a geographic/regulatory partition in which an actor
// instance may independently exist.
type Jurisdiction string

const (
	JurisdictionDefault Jurisdiction = ""
	JurisdictionEU      Jurisdiction = "eu"
)

// SearchOrder is the fixed order in which jurisdictions are probed when
// looking for an existing agent. The default jurisdiction always wins ties.
var SearchOrder = []Jurisdiction{JurisdictionDefault, JurisdictionEU}

// String returns a printable name; the default jurisdiction renders as "default".
func (j Jurisdiction) String() string {
	if j == JurisdictionDefault {
		return "default"
	}
	return string(j)
}

// AgentMode selects how an agent drives generation.
type AgentMode string

const (
	AgentModeDeterministic AgentMode = "deterministic"
	AgentModeSmart         AgentMode = "smart"
)

// ParseAgentMode maps user input to a known mode, defaulting to deterministic.
func ParseAgentMode(s string) AgentMode {
	if AgentMode(s) == AgentModeSmart {
		return AgentModeSmart
	}
	return AgentModeDeterministic
}

// ClientError is an error reported by the browser preview back to its agent.
type ClientError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GenerationHandle identifies the generation run currently owned by an agent.
type GenerationHandle struct {
	ID        string    `json:"id"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"started_at"`
}

// AgentState is the durable record owned exclusively by one actor. It is only
// read or written through the actor's handle.
type AgentState struct {
	SessionID        string            `json:"session_id"`
	Query            string            `json:"query"`
	Language         string            `json:"language,omitempty"`
	Frameworks       []string          `json:"frameworks,omitempty"`
	Hostname         string            `json:"hostname,omitempty"`
	AgentMode        AgentMode         `json:"agent_mode,omitempty"`
	TemplateName     string            `json:"template_name,omitempty"`
	TemplateDetails  *TemplateDetails  `json:"template_details,omitempty"`
	Selection        *SelectionResult  `json:"selection,omitempty"`
	Blueprint        string            `json:"blueprint,omitempty"`
	InferenceContext *InferenceContext `json:"inference_context,omitempty"`
	PreviewURL       string            `json:"preview_url,omitempty"`

	// Transient runtime state, valid only for one sandbox session.
	SandboxSessionID     string            `json:"sandbox_session_id,omitempty"`
	PendingUserInputs    []string          `json:"pending_user_inputs,omitempty"`
	ShouldBeGenerating   bool              `json:"should_be_generating"`
	CurrentGeneration    *GenerationHandle `json:"current_generation,omitempty"`
	ClientReportedErrors []ClientError     `json:"client_reported_errors,omitempty"`

	Initialized bool      `json:"initialized"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the state.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Frameworks = cloneStrings(s.Frameworks)
	cp.PendingUserInputs = cloneStrings(s.PendingUserInputs)
	if s.ClientReportedErrors != nil {
		cp.ClientReportedErrors = make([]ClientError, len(s.ClientReportedErrors))
		copy(cp.ClientReportedErrors, s.ClientReportedErrors)
	}
	if s.CurrentGeneration != nil {
		g := *s.CurrentGeneration
		cp.CurrentGeneration = &g
	}
	cp.TemplateDetails = s.TemplateDetails.Clone()
	cp.Selection = s.Selection.Clone()
	if s.InferenceContext != nil {
		ic := s.InferenceContext.Clone()
		cp.InferenceContext = &ic
	}
	return &cp
}

// ForkAs derives the state for a new agent cloned from s. Everything is shared
// except the session identity and the runtime state bound to one sandbox session.
func (s *AgentState) ForkAs(newID string) *AgentState {
	cp := s.Clone()
	cp.SessionID = newID
	cp.SandboxSessionID = ""
	cp.PendingUserInputs = nil
	cp.ShouldBeGenerating = false
	cp.CurrentGeneration = nil
	cp.ClientReportedErrors = nil
	cp.PreviewURL = ""
	return cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
