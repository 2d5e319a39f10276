package actor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"forgeline/internal/domain"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// clientConn is one WebSocket attached to an agent.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.WSMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Fetch implements domain.ActorHandle. It accepts the WebSocket upgrade and
// serves the agent protocol until the client goes away or the agent stops.
func (a *Agent) Fetch(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.p.opts.OriginPatterns,
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}
	a.serve(r.Context(), ws)
}

func (a *Agent) serve(ctx context.Context, ws *websocket.Conn) {
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan domain.WSMessage, sendBuffer),
		done:   make(chan struct{}),
	}
	if !a.addConn(cc) {
		ws.Close(websocket.StatusGoingAway, "agent stopped")
		return
	}
	a.logger.Info("client connected")

	go a.writeLoop(cc)

	st, err := a.GetFullState(ctx)
	switch {
	case err == nil:
		a.send(cc, domain.WSMessage{Type: domain.WSAgentConnected, State: st})
		a.publish(ctx, domain.EventClientConnected, st.SessionID, nil)
	case errors.Is(err, domain.ErrAgentNotInitialized):
		a.send(cc, domain.WSMessage{Type: domain.WSAgentConnected})
	default:
		a.send(cc, domain.WSMessage{Type: domain.WSError, Error: err.Error()})
	}

	a.readLoop(ctx, cc)

	a.removeConn(cc)
	cc.close()
	ws.Close(websocket.StatusNormalClosure, "")
	a.logger.Info("client disconnected")
}

func (a *Agent) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var msg domain.WSMessage
		if err := wsjson.Read(ctx, cc.ws, &msg); err != nil {
			return
		}
		a.touch()
		a.handleMessage(ctx, cc, msg)
	}
}

func (a *Agent) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case msg := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (a *Agent) handleMessage(ctx context.Context, cc *clientConn, msg domain.WSMessage) {
	switch msg.Type {
	case domain.WSUserSuggestion:
		if msg.Message == "" {
			a.send(cc, domain.WSMessage{Type: domain.WSError, Error: "user_suggestion requires a message"})
			return
		}
		n, err := a.queueSuggestion(ctx, msg.Message)
		if err != nil {
			a.send(cc, domain.WSMessage{Type: domain.WSError, Error: err.Error()})
			return
		}
		a.logger.Debug("user suggestion queued", "pending", n)
		a.send(cc, domain.WSMessage{Type: domain.WSSuggestionQueued, Message: msg.Message})

	case domain.WSClientError:
		if msg.ClientError == nil || msg.ClientError.Message == "" {
			a.send(cc, domain.WSMessage{Type: domain.WSError, Error: "client_error requires clientError.message"})
			return
		}
		if err := a.recordClientError(ctx, *msg.ClientError); err != nil {
			a.send(cc, domain.WSMessage{Type: domain.WSError, Error: err.Error()})
		}

	case domain.WSGetState:
		st, err := a.GetFullState(ctx)
		if err != nil {
			a.send(cc, domain.WSMessage{Type: domain.WSError, Error: err.Error()})
			return
		}
		a.send(cc, domain.WSMessage{Type: domain.WSAgentState, State: st})

	case domain.WSPreview:
		// Deploys can take a while; keep reading meanwhile. preview_ready
		// reaches every client through broadcast.
		go func() {
			if _, err := a.DeployToSandbox(ctx); err != nil {
				a.send(cc, domain.WSMessage{Type: domain.WSError, Error: err.Error()})
			}
		}()

	default:
		a.send(cc, domain.WSMessage{Type: domain.WSError, Error: "unknown message type " + string(msg.Type)})
	}
}

// send queues msg for one client, dropping it when the client is slow.
func (a *Agent) send(cc *clientConn, msg domain.WSMessage) {
	select {
	case <-cc.done:
	case cc.sendCh <- msg:
	default:
		a.logger.Warn("dropped message for slow client", "type", string(msg.Type))
	}
}

func (a *Agent) broadcast(msg domain.WSMessage) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	for cc := range a.conns {
		a.send(cc, msg)
	}
}

func (a *Agent) addConn(cc *clientConn) bool {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	if a.isStopped() {
		return false
	}
	a.conns[cc] = struct{}{}
	return true
}

func (a *Agent) removeConn(cc *clientConn) {
	a.connsMu.Lock()
	delete(a.conns, cc)
	a.connsMu.Unlock()
	a.touch()
}

func (a *Agent) connections() int {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	return len(a.conns)
}

func (a *Agent) closeConns() {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	for cc := range a.conns {
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "agent stopped")
		delete(a.conns, cc)
	}
}
