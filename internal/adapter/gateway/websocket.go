package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"forgeline/internal/domain"
)

const (
	headerActorNamespace = "X-Actor-Namespace"
	headerActorRoom      = "X-Actor-Room"

	errorFrameTimeout = 5 * time.Second
)

// ExistingLocator finds an initialized agent in any jurisdiction.
type ExistingLocator interface {
	LocateExisting(ctx context.Context, id string) (domain.ActorLookup, error)
}

// ConnectionRouter hands WebSocket upgrades for /api/agents/{agentId}/ws to
// the actor owning the agent.
type ConnectionRouter struct {
	platform       domain.ActorPlatform
	locator        ExistingLocator
	namespace      string
	originPatterns []string
	logger         *slog.Logger
}

// NewConnectionRouter creates a ConnectionRouter. originPatterns are host
// glob patterns; the request's own host is always allowed.
func NewConnectionRouter(platform domain.ActorPlatform, locator ExistingLocator, namespace string, originPatterns []string, logger *slog.Logger) *ConnectionRouter {
	return &ConnectionRouter{
		platform:       platform,
		locator:        locator,
		namespace:      namespace,
		originPatterns: originPatterns,
		logger:         logger.With("component", "ws-router"),
	}
}

func (cr *ConnectionRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "ConnectionRouter.ServeHTTP"
	agentID := r.PathValue("agentId")

	if !isUpgrade(r) {
		writeJSON(w, http.StatusUpgradeRequired, errorBody{
			Error: "Expected Upgrade: websocket",
			Code:  domain.CodeWebSocketUpgrade,
		})
		return
	}
	if !cr.originAllowed(r) {
		writeError(w, domain.NewDomainError(op, domain.ErrOriginNotAllowed, r.Header.Get("Origin")))
		return
	}

	if cr.platform != nil && cr.platform.RouteRequest(w, r, cr.namespace, agentID) {
		return
	}

	res, err := cr.locator.LocateExisting(r.Context(), agentID)
	if err != nil {
		cr.logger.Warn("websocket routing failed", "agent_id", agentID, "error", err)
		cr.rejectOverSocket(w, r, err)
		return
	}

	r.Header.Set(headerActorNamespace, cr.namespace)
	r.Header.Set(headerActorRoom, agentID)
	res.Handle.Fetch(w, r)
}

// rejectOverSocket completes the upgrade, sends one error frame and closes
// with 1011 so the client sees a clean close instead of a failed handshake.
func (cr *ConnectionRouter) rejectOverSocket(w http.ResponseWriter, r *http.Request, cause error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		cr.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), errorFrameTimeout)
	defer cancel()
	msg := domain.WSMessage{Type: domain.WSError, Error: publicMessage(cause)}
	if err := wsjson.Write(ctx, ws, msg); err != nil {
		cr.logger.Debug("error frame not delivered", "error", err)
	}
	_ = ws.Close(websocket.StatusInternalError, "agent unavailable")
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// originAllowed mirrors the websocket library's origin check so a rejected
// origin gets a JSON 403 rather than a bare handshake failure. Requests
// without an Origin header are not from browsers and are allowed.
func (cr *ConnectionRouter) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := strings.ToLower(u.Host)
	for _, p := range cr.originPatterns {
		if ok, _ := path.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}
