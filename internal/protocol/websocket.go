package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries one JSON packet per text frame, for
// backends reachable over a websocket endpoint rather than a raw
// socket.
type WebSocketTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket connects to the backend websocket endpoint at url.
func DialWebSocket(url string) (*WebSocketTransport, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}

	return &WebSocketTransport{ws: ws}, nil
}

// NewWebSocketTransport wraps an already-established websocket
// connection.
func NewWebSocketTransport(ws *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{ws: ws}
}

// Send writes one packet as a single text frame.
func (t *WebSocketTransport) Send(msg *Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ws.WriteMessage(websocket.TextMessage, msg.Content); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Receive reads the next text frame as one packet. Control frames are
// handled by the websocket library.
func (t *WebSocketTransport) Receive() (*Message, error) {
	for {
		kind, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}

		if kind != websocket.TextMessage {
			continue
		}

		return &Message{
			ContentLength: len(data),
			Content:       json.RawMessage(data),
		}, nil
	}
}

// Close closes the websocket connection.
func (t *WebSocketTransport) Close() error {
	return t.ws.Close()
}
