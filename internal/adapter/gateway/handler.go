package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"forgeline/internal/domain"
	"forgeline/internal/usecase/orchestrator"
)

const maxBodyBytes = 1 << 20

// AgentService is the agent lifecycle surface the HTTP handlers drive.
type AgentService interface {
	StartGeneration(ctx context.Context, req orchestrator.StartRequest, progress domain.ProgressSink) (*orchestrator.StartResult, error)
	CloneAgent(ctx context.Context, sourceID string) (string, domain.ActorHandle, error)
	GetAgentState(ctx context.Context, id string) (*domain.AgentState, error)
	DeployPreview(ctx context.Context, id string) (*domain.DeployResult, error)
}

// errorBody is the shape of every JSON error response.
type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// publicMessage is the text shown to callers. Operation names stay internal;
// input errors show only their detail.
func publicMessage(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		switch {
		case de.Detail == "":
			return de.Err.Error()
		case errors.Is(de.Err, domain.ErrInvalidInput):
			return de.Detail
		default:
			return de.Err.Error() + ": " + de.Detail
		}
	}
	if domain.ErrorCodeOf(err) == domain.CodeUnknown {
		return "internal error"
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err.Error()
		}
		err = inner
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, domain.HTTPStatusOf(err), errorBody{
		Error: publicMessage(err),
		Code:  domain.ErrorCodeOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewDomainError("gateway.decodeBody", domain.ErrInvalidInput, "invalid JSON body")
	}
	return nil
}

type startBody struct {
	Query            string   `json:"query"`
	Language         string   `json:"language,omitempty"`
	Frameworks       []string `json:"frameworks,omitempty"`
	SelectedTemplate string   `json:"selectedTemplate,omitempty"`
	AgentMode        string   `json:"agentMode,omitempty"`
}

// startAgentHandler serves POST /api/agents. Errors raised before generation
// starts get a JSON error response; afterwards progress is streamed as
// newline-delimited JSON until the background task ends or the client leaves.
func startAgentHandler(svc AgentService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body startBody
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}

		stream := NewStream(streamBuffer)
		res, err := svc.StartGeneration(r.Context(), orchestrator.StartRequest{
			Query:            body.Query,
			Language:         body.Language,
			Frameworks:       body.Frameworks,
			SelectedTemplate: body.SelectedTemplate,
			AgentMode:        domain.AgentMode(body.AgentMode),
			Hostname:         r.Host,
			Secure:           r.TLS != nil,
		}, stream)
		if err != nil {
			if domain.HTTPStatusOf(err) >= http.StatusInternalServerError {
				logger.Error("start generation failed", "error", err)
			}
			writeError(w, err)
			return
		}

		if err := stream.WriteTo(r.Context(), w); err != nil {
			logger.Debug("progress stream detached", "agent_id", res.AgentID, "error", err)
		}
	}
}

func getAgentHandler(svc AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.GetAgentState(r.Context(), r.PathValue("agentId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type cloneResponse struct {
	AgentID  string `json:"agentId"`
	SourceID string `json:"sourceId"`
}

func cloneAgentHandler(svc AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src := r.PathValue("agentId")
		id, _, err := svc.CloneAgent(r.Context(), src)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cloneResponse{AgentID: id, SourceID: src})
	}
}

func previewHandler(svc AgentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.DeployPreview(r.Context(), r.PathValue("agentId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
