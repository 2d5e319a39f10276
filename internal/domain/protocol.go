package domain

// WSMessageType identifies a frame exchanged on an agent's WebSocket.
type WSMessageType string

// Client to agent.
const (
	WSUserSuggestion WSMessageType = "user_suggestion"
	WSClientError    WSMessageType = "client_error"
	WSGetState       WSMessageType = "get_state"
	WSPreview        WSMessageType = "preview"
)

// Agent to client.
const (
	WSAgentConnected     WSMessageType = "agent_connected"
	WSAgentState         WSMessageType = "agent_state"
	WSGenerationProgress WSMessageType = "generation_progress"
	WSGenerationComplete WSMessageType = "generation_complete"
	WSPreviewReady       WSMessageType = "preview_ready"
	WSSuggestionQueued   WSMessageType = "user_suggestion_queued"
	WSError              WSMessageType = "error"
)

// WSMessage is the JSON envelope of every agent WebSocket frame. Only the
// fields relevant to Type are set.
type WSMessage struct {
	Type       WSMessageType `json:"type"`
	Message    string        `json:"message,omitempty"`
	State      *AgentState   `json:"state,omitempty"`
	Phase      string        `json:"phase,omitempty"`
	Chunk      string        `json:"chunk,omitempty"`
	PreviewURL string        `json:"previewUrl,omitempty"`
	// ClientError carries the browser-side error of a client_error frame.
	ClientError *ClientError `json:"clientError,omitempty"`
	Error       string       `json:"error,omitempty"`
}
