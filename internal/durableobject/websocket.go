package durableobject

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/wspair"
)

const (
	maxSocketsPerInstance = 32768
	maxTagsPerSocket      = 10
	maxTagLength          = 256
)

// WebSocketAware is implemented by actor classes that accept hibernatable
// WebSocket connections.
type WebSocketAware interface {
	WebSocketMessage(ctx context.Context, state *State, ws *wspair.Socket, msg wspair.Message) error
	WebSocketClose(ctx context.Context, state *State, ws *wspair.Socket, info wspair.CloseInfo) error
	WebSocketError(ctx context.Context, state *State, ws *wspair.Socket, err error) error
}

// WebSocketAutoResponse configures a request/response pair an instance
// answers directly, without invoking WebSocketMessage or waking a
// hibernated object.
type WebSocketAutoResponse struct {
	Request  string
	Response string
}

// sockets tracks accepted hibernatable sockets per instance, keyed by a
// caller-assigned connection id.
type sockets struct {
	mu               sync.Mutex
	byID             map[string]*wspair.Socket
	autoResponse     *WebSocketAutoResponse
	lastAutoResponse *time.Time
}

// AcceptWebSocket registers ws (the server-side end of a pair) against this
// instance, tagging it for later lookup via GetWebSockets, and wires its
// callbacks to the owning class's WebSocketAware methods if implemented.
// It rejects the socket once the instance already holds
// maxSocketsPerInstance sockets, or tags exceeding the count/length caps.
func (s *State) AcceptWebSocket(ctx context.Context, connID string, ws *wspair.Socket, tags []string) error {
	if len(tags) > maxTagsPerSocket {
		return bindingerr.NewValidation("tags", fmt.Sprintf("at most %d tags per socket", maxTagsPerSocket))
	}
	for _, t := range tags {
		if len(t) > maxTagLength {
			return bindingerr.NewValidation("tags", fmt.Sprintf("tag exceeds max length %d", maxTagLength))
		}
	}

	if s.inst.sockets == nil {
		s.inst.sockets = &sockets{byID: map[string]*wspair.Socket{}}
	}

	s.inst.sockets.mu.Lock()
	if len(s.inst.sockets.byID) >= maxSocketsPerInstance {
		s.inst.sockets.mu.Unlock()
		return bindingerr.NewExhausted("websockets per durable object instance", maxSocketsPerInstance)
	}
	s.inst.sockets.byID[connID] = ws
	s.inst.sockets.mu.Unlock()

	ws.SetTags(tags)
	ws.Accept()

	aware, ok := s.inst.obj.(WebSocketAware)

	ws.OnMessage(func(m wspair.Message) {
		s.inst.sockets.mu.Lock()
		autoResponse := s.inst.sockets.autoResponse
		s.inst.sockets.mu.Unlock()

		if autoResponse != nil && m.Type == wspair.MessageText && string(m.Data) == autoResponse.Request {
			ws.Send(wspair.Message{Type: wspair.MessageText, Data: []byte(autoResponse.Response)})
			now := time.Now().UTC()
			s.inst.sockets.mu.Lock()
			s.inst.sockets.lastAutoResponse = &now
			s.inst.sockets.mu.Unlock()
			return
		}

		if !ok {
			return
		}
		s.inst.run(ctx, func(ctx context.Context) {
			aware.WebSocketMessage(ctx, s, ws, m)
		})
	})
	if ok {
		ws.OnClose(func(info wspair.CloseInfo) {
			s.inst.run(ctx, func(ctx context.Context) {
				aware.WebSocketClose(ctx, s, ws, info)
				s.inst.sockets.mu.Lock()
				delete(s.inst.sockets.byID, connID)
				s.inst.sockets.mu.Unlock()
			})
		})
		ws.OnError(func(err error) {
			s.inst.run(ctx, func(ctx context.Context) {
				aware.WebSocketError(ctx, s, ws, err)
			})
		})
	} else {
		ws.OnClose(func(info wspair.CloseInfo) {
			s.inst.sockets.mu.Lock()
			delete(s.inst.sockets.byID, connID)
			s.inst.sockets.mu.Unlock()
		})
	}
	return nil
}

// SetWebSocketAutoResponse configures a request/response pair this instance
// answers directly on every accepted socket, without invoking
// WebSocketMessage. Passing nil disables auto-response.
func (s *State) SetWebSocketAutoResponse(pair *WebSocketAutoResponse) {
	if s.inst.sockets == nil {
		s.inst.sockets = &sockets{byID: map[string]*wspair.Socket{}}
	}
	s.inst.sockets.mu.Lock()
	s.inst.sockets.autoResponse = pair
	s.inst.sockets.mu.Unlock()
}

// GetWebSocketAutoResponse returns the currently configured auto-response
// pair, or nil if none is set.
func (s *State) GetWebSocketAutoResponse() *WebSocketAutoResponse {
	if s.inst.sockets == nil {
		return nil
	}
	s.inst.sockets.mu.Lock()
	defer s.inst.sockets.mu.Unlock()
	return s.inst.sockets.autoResponse
}

// GetWebSocketAutoResponseTimestamp returns when this instance last
// answered a message via its auto-response pair, or nil if it never has.
func (s *State) GetWebSocketAutoResponseTimestamp() *time.Time {
	if s.inst.sockets == nil {
		return nil
	}
	s.inst.sockets.mu.Lock()
	defer s.inst.sockets.mu.Unlock()
	return s.inst.sockets.lastAutoResponse
}

// GetWebSockets returns accepted sockets, optionally filtered to those
// carrying tag.
func (s *State) GetWebSockets(tag string) []*wspair.Socket {
	if s.inst.sockets == nil {
		return nil
	}
	s.inst.sockets.mu.Lock()
	defer s.inst.sockets.mu.Unlock()

	var out []*wspair.Socket
	for _, ws := range s.inst.sockets.byID {
		if tag == "" {
			out = append(out, ws)
			continue
		}
		for _, t := range ws.Tags() {
			if t == tag {
				out = append(out, ws)
				break
			}
		}
	}
	return out
}
