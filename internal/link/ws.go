package link

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

// WSTransport carries the stream messages one per websocket text frame.
// Pairing follows the stream binding: one frame out, one frame back, and
// any failure drops the connection.
type WSTransport struct {
	url   string
	id    Identity
	codec *protocol.Codec

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSTransport(url string, id Identity, codec *protocol.Codec) *WSTransport {
	return &WSTransport{url: url, id: id, codec: codec}
}

func (t *WSTransport) Binding() string { return protocol.BindingWS }

func (t *WSTransport) Connect(ctx context.Context) (protocol.Health, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, t.url, http.Header{})
	if err != nil {
		return protocol.Health{}, protocol.Classify(err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.mu.Lock()
	t.closeLocked()
	t.conn = conn
	t.mu.Unlock()
	return protocol.Health{Status: protocol.StatusHealthy}, nil
}

func (t *WSTransport) Act(ctx context.Context, obs protocol.Observation) (protocol.ActionCommand, error) {
	line, err := t.codec.EncodeStreamObservation(obs, t.id.InstanceID)
	if err != nil {
		return protocol.ActionCommand{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return protocol.ActionCommand{}, ErrNotConnected
	}
	conn := t.conn
	dl, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(dl)
	_ = conn.SetReadDeadline(dl)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, bytes.TrimSpace(line)); err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, classifyCtx(ctx, err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, classifyCtx(ctx, err)
	}
	cmd, err := t.codec.DecodeStreamAction(msg)
	if err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, err
	}
	return cmd, nil
}

func (t *WSTransport) Reward(context.Context, protocol.Transition) error {
	return errors.ErrUnsupported
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *WSTransport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
