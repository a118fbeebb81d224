// Package wspair implements an in-process WebSocketPair: two linked sockets
// where writes to one are deliverable as reads on the other, with
// accept-buffering, bidirectional delivery, and idempotent close
// propagation. A gorilla/websocket-backed bridge connects the "client" side
// to a real network connection at the HTTP boundary.
package wspair

import (
	"encoding/json"
	"errors"
	"sync"
)

// ReadyState mirrors the WebSocket readyState enum.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// MessageType distinguishes text from binary frames.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
)

// Message is one frame exchanged between the two ends of a pair.
type Message struct {
	Type MessageType
	Data []byte
}

// CloseInfo carries a close code and reason, mirroring the WebSocket close
// event shape.
type CloseInfo struct {
	Code   int
	Reason string
}

var ErrClosed = errors.New("wspair: socket closed")
var ErrNotAccepted = errors.New("wspair: socket has not called accept")

// Socket is one end of a WebSocketPair. Messages sent before Accept is
// called are buffered and delivered once Accept runs, matching the
// accept-buffering contract.
type Socket struct {
	mu         sync.Mutex
	peer       *Socket
	state      ReadyState
	accepted   bool
	buffered   []Message
	onMessage  func(Message)
	onClose    func(CloseInfo)
	onError    func(error)
	closeInfo  *CloseInfo
	tags       []string
	attachment json.RawMessage
}

// NewPair constructs two linked sockets, each other's peer.
func NewPair() (*Socket, *Socket) {
	a := &Socket{state: StateConnecting}
	b := &Socket{state: StateConnecting}
	a.peer = b
	b.peer = a
	return a, b
}

// Accept marks the socket ready to receive; any messages sent to it before
// Accept was called are delivered immediately, in order.
func (s *Socket) Accept() {
	s.mu.Lock()
	if s.accepted {
		s.mu.Unlock()
		return
	}
	s.accepted = true
	s.state = StateOpen
	buffered := s.buffered
	s.buffered = nil
	handler := s.onMessage
	s.mu.Unlock()

	if handler != nil {
		for _, m := range buffered {
			handler(m)
		}
	}
}

// OnMessage registers the callback invoked for every message this socket
// receives (i.e. sent by its peer).
func (s *Socket) OnMessage(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnClose registers the callback invoked once when this socket's peer closes.
func (s *Socket) OnClose(fn func(CloseInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// OnError registers the callback invoked on delivery errors.
func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Send delivers a message to the peer, buffering it there if the peer has
// not yet called Accept. Send itself throws if this socket hasn't called
// Accept yet, mirroring the WebSocketPair contract that a socket must
// accept before it can send.
func (s *Socket) Send(msg Message) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.accepted {
		s.mu.Unlock()
		return ErrNotAccepted
	}
	peer := s.peer
	s.mu.Unlock()

	peer.deliver(msg)
	return nil
}

func (s *Socket) deliver(msg Message) {
	s.mu.Lock()
	if !s.accepted {
		s.buffered = append(s.buffered, msg)
		s.mu.Unlock()
		return
	}
	handler := s.onMessage
	s.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// Close closes this socket and idempotently propagates the close to its
// peer's OnClose callback.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	info := CloseInfo{Code: code, Reason: reason}
	s.closeInfo = &info
	peer := s.peer
	s.mu.Unlock()

	peer.notifyPeerClosed(info)
	return nil
}

func (s *Socket) notifyPeerClosed(info CloseInfo) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	handler := s.onClose
	s.mu.Unlock()

	if handler != nil {
		handler(info)
	}
}

// ReadyState reports the current connection state.
func (s *Socket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetTags attaches hibernation tags to the socket, mirroring
// acceptWebSocket(ws, tags).
func (s *Socket) SetTags(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = append([]string(nil), tags...)
}

// Tags returns the socket's hibernation tags.
func (s *Socket) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

// SerializeAttachment stores v (JSON-encoded) on the socket, so it survives
// hibernation and can be recovered with DeserializeAttachment without
// re-running webSocketMessage.
func (s *Socket) SerializeAttachment(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.attachment = data
	s.mu.Unlock()
	return nil
}

// DeserializeAttachment decodes the socket's attachment into v, reporting
// whether one had been set.
func (s *Socket) DeserializeAttachment(v any) (bool, error) {
	s.mu.Lock()
	data := s.attachment
	s.mu.Unlock()
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}
