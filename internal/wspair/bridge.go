package wspair

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func deadlineNow() time.Time {
	return time.Now().Add(5 * time.Second)
}

// Bridge pumps frames between a real gorilla/websocket connection and one
// end of an in-process Socket pair, so handler code written against Socket
// can drive an actual client connection.
type Bridge struct {
	conn   *websocket.Conn
	socket *Socket
	log    *logrus.Entry
}

// NewBridge wires conn to socket: reads from conn are sent to socket's peer,
// and messages socket receives are written back to conn.
func NewBridge(conn *websocket.Conn, socket *Socket, log *logrus.Entry) *Bridge {
	b := &Bridge{conn: conn, socket: socket, log: log}
	socket.Accept()
	socket.OnMessage(func(m Message) {
		b.writeToConn(m)
	})
	socket.OnClose(func(info CloseInfo) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(info.Code, info.Reason), deadlineNow())
		_ = conn.Close()
	})
	return b
}

func (b *Bridge) writeToConn(m Message) {
	wireType := websocket.TextMessage
	if m.Type == MessageBinary {
		wireType = websocket.BinaryMessage
	}
	if err := b.conn.WriteMessage(wireType, m.Data); err != nil {
		b.log.WithError(err).Warn("wspair: writing to bridged connection failed")
	}
}

// Pump reads from conn until it errors or ctx is canceled, forwarding every
// frame to the socket's peer. It blocks the calling goroutine.
func (b *Bridge) Pump(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = b.conn.Close()
	}()
	defer close(done)

	for {
		wireType, data, err := b.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			b.socket.Close(code, "")
			return
		}

		mt := MessageText
		if wireType == websocket.BinaryMessage {
			mt = MessageBinary
		}
		_ = b.socket.Send(Message{Type: mt, Data: data})
	}
}
