package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"forgeline/internal/domain"
)

// echoHandle accepts the socket and reports the routing headers it saw.
type echoHandle struct{ domain.ActorHandle }

func (echoHandle) Fetch(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()
	_ = wsjson.Write(ctx, ws, domain.WSMessage{
		Type:    domain.WSAgentConnected,
		Message: r.Header.Get(headerActorNamespace) + "/" + r.Header.Get(headerActorRoom),
	})
	ws.Close(websocket.StatusNormalClosure, "")
}

type stubLocator struct {
	err   error
	calls int
}

func (l *stubLocator) LocateExisting(_ context.Context, id string) (domain.ActorLookup, error) {
	l.calls++
	if l.err != nil {
		return domain.ActorLookup{}, l.err
	}
	return domain.ActorLookup{Handle: echoHandle{}, Jurisdiction: domain.JurisdictionEU, Found: true}, nil
}

// routingPlatform routes only the rooms it knows.
type routingPlatform struct {
	domain.ActorPlatform
	live map[string]bool
}

func (p routingPlatform) RouteRequest(w http.ResponseWriter, r *http.Request, namespace, room string) bool {
	if !p.live[room] {
		return false
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return true
	}
	_ = wsjson.Write(context.Background(), ws, domain.WSMessage{Type: domain.WSAgentConnected, Message: "primary:" + namespace + "/" + room})
	ws.Close(websocket.StatusNormalClosure, "")
	return true
}

func newRouterServer(t *testing.T, platform domain.ActorPlatform, loc ExistingLocator, origins []string) *httptest.Server {
	t.Helper()
	router := NewConnectionRouter(platform, loc, "CodeGenAgent", origins, testLogger())
	srv := httptest.NewServer(NewServer(ServerDeps{Sockets: router}, "127.0.0.1:0", 0, testLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, agentID string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/" + agentID + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws, ctx
}

func TestConnectionRouterRequiresUpgrade(t *testing.T) {
	srv := newRouterServer(t, nil, &stubLocator{}, nil)
	resp, err := http.Get(srv.URL + "/api/agents/a1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestConnectionRouterRejectsOrigin(t *testing.T) {
	loc := &stubLocator{}
	srv := newRouterServer(t, nil, loc, []string{"app.example.com"})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/agents/a1/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Origin", "https://evil.example.net")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, loc.calls)
}

func TestOriginAllowed(t *testing.T) {
	cr := NewConnectionRouter(nil, nil, "ns", []string{"*.example.com", "localhost:*"}, testLogger())
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://forge.internal", true}, // same host as the request
		{"https://app.example.com", true},
		{"http://localhost:5173", true},
		{"https://example.org", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://forge.internal/api/agents/a1/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, cr.originAllowed(r), tt.origin)
	}
}

func TestConnectionRouterPrimaryPath(t *testing.T) {
	loc := &stubLocator{}
	srv := newRouterServer(t, routingPlatform{live: map[string]bool{"a1": true}}, loc, nil)

	ws, ctx := dial(t, srv, "a1")
	var msg domain.WSMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, "primary:CodeGenAgent/a1", msg.Message)
	assert.Zero(t, loc.calls)
}

func TestConnectionRouterFallbackPath(t *testing.T) {
	loc := &stubLocator{}
	srv := newRouterServer(t, routingPlatform{}, loc, nil)

	ws, ctx := dial(t, srv, "eu-agent")
	var msg domain.WSMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, domain.WSAgentConnected, msg.Type)
	assert.Equal(t, "CodeGenAgent/eu-agent", msg.Message)
	assert.Equal(t, 1, loc.calls)
}

func TestConnectionRouterResolutionFailureClosesWith1011(t *testing.T) {
	loc := &stubLocator{err: domain.NewSubSystemError("agent", "Locator.LocateExisting", domain.ErrAgentNotFound, "ghost")}
	srv := newRouterServer(t, nil, loc, nil)

	ws, ctx := dial(t, srv, "ghost")
	var msg domain.WSMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, domain.WSError, msg.Type)
	assert.Equal(t, "agent not found: ghost", msg.Error)

	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}

func TestConnectionRouterNamespaceUnavailable(t *testing.T) {
	srv := newRouterServer(t, nil, &stubLocator{err: domain.ErrNamespaceUnavailable}, nil)
	ws, ctx := dial(t, srv, "a1")
	var msg domain.WSMessage
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	assert.Equal(t, domain.WSError, msg.Type)

	_, _, err := ws.Read(ctx)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}
