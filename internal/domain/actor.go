package domain

import (
	"context"
	"net/http"
)

// ActorID is the platform-level identifier derived from an agent name.
type ActorID string

// GetOptions selects where an actor lives.
type GetOptions struct {
	LocationHint string
	Jurisdiction Jurisdiction
}

// ActorKey addresses one actor instance: exactly one exists per key.
type ActorKey struct {
	Namespace    string
	ID           ActorID
	Jurisdiction Jurisdiction
}

// ActorPlatform provides single-instance-per-ID actors and request routing.
type ActorPlatform interface {
	IDFromName(name string) ActorID
	// Get returns a handle, creating the actor lazily if it does not exist.
	Get(ctx context.Context, id ActorID, opts GetOptions) (ActorHandle, error)
	// RouteRequest delivers r to the actor named room in namespace when the
	// platform can route it itself. It returns false when it declines.
	RouteRequest(w http.ResponseWriter, r *http.Request, namespace, room string) bool
	// Release stops the actor for id in j when it holds no initialized
	// agent and is otherwise unused. It reports whether the actor was stopped.
	Release(ctx context.Context, id ActorID, j Jurisdiction) bool
}

// InitializeParams is handed to a freshly created agent.
type InitializeParams struct {
	AgentID          string
	Query            string
	Language         string
	Frameworks       []string
	Hostname         string
	InferenceContext InferenceContext
	TemplateDetails  *TemplateDetails
	Selection        *SelectionResult
	SandboxSessionID string
	Progress         ProgressSink
}

// ActorHandle is the RPC surface of one agent actor. Every method is a
// message to the owning actor; none touch state directly.
type ActorHandle interface {
	Key() ActorKey
	IsInitialized(ctx context.Context) (bool, error)
	GetFullState(ctx context.Context) (*AgentState, error)
	SetState(ctx context.Context, state *AgentState) error
	// Initialize runs the agent's initialization pipeline, reporting progress
	// through params.Progress. It returns when initialization finishes.
	Initialize(ctx context.Context, params InitializeParams, mode AgentMode) error
	DeployToSandbox(ctx context.Context) (*DeployResult, error)
	// Fetch serves an HTTP (typically WebSocket upgrade) request on the actor.
	Fetch(w http.ResponseWriter, r *http.Request)
}

// ActorLookup is the typed result of a jurisdiction search. Callers must check
// Found before using Handle.
type ActorLookup struct {
	Handle       ActorHandle
	Jurisdiction Jurisdiction
	Found        bool
}

// StateStore persists actor state across actor restarts.
type StateStore interface {
	// Load returns ErrNotFound when no state exists for key.
	Load(ctx context.Context, key ActorKey) (*AgentState, error)
	Save(ctx context.Context, key ActorKey, state *AgentState) error
	Delete(ctx context.Context, key ActorKey) error
}
