package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

// StreamTransport is the persistent newline-framed binding. Each Act writes
// one line and reads exactly one line back before the next Act may start.
// Any failure closes the connection, so a reply that arrives after its
// deadline is never read as the answer to a later request.
type StreamTransport struct {
	addr  string
	id    Identity
	codec *protocol.Codec

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func NewStreamTransport(addr string, id Identity, codec *protocol.Codec) *StreamTransport {
	return &StreamTransport{addr: addr, id: id, codec: codec}
}

func (t *StreamTransport) Binding() string { return protocol.BindingStream }

// Connect dials the stream. The binding has no health message, so a
// successful dial is reported as healthy.
func (t *StreamTransport) Connect(ctx context.Context) (protocol.Health, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return protocol.Health{}, protocol.Classify(err)
	}
	t.mu.Lock()
	t.closeLocked()
	t.conn = conn
	t.r = bufio.NewReader(conn)
	t.mu.Unlock()

	h := protocol.Health{Status: protocol.StatusHealthy}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		h.Port = ta.Port
	}
	return h, nil
}

func (t *StreamTransport) Act(ctx context.Context, obs protocol.Observation) (protocol.ActionCommand, error) {
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
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	// Cancellation wakes the blocked read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(line); err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, classifyCtx(ctx, err)
	}
	reply, err := t.r.ReadBytes('\n')
	if err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, classifyCtx(ctx, err)
	}
	cmd, err := t.codec.DecodeStreamAction(reply)
	if err != nil {
		t.closeLocked()
		return protocol.ActionCommand{}, err
	}
	return cmd, nil
}

func (t *StreamTransport) Reward(context.Context, protocol.Transition) error {
	return errors.ErrUnsupported
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *StreamTransport) closeLocked() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.r = nil
	return err
}

// classifyCtx prefers the context's reason when it ended the call.
func classifyCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return protocol.Classify(ctxErr)
	}
	return protocol.Classify(err)
}
