package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

var (
	// ErrInFlight rejects a request issued while the previous one is unresolved.
	ErrInFlight = errors.New("request already in flight")
	// ErrNotConnected is reported when no link is established.
	ErrNotConnected = fmt.Errorf("%w: not connected", protocol.ErrConnection)
	// ErrAbandoned marks a request whose caller cancelled it.
	ErrAbandoned = errors.New("request abandoned by caller")
)

const maxReplyBytes = 1 << 20

// Identity correlates one agent's messages and logs.
type Identity struct {
	InstanceID string
	PlayerID   int
}

// Transport is one binding of the training link. Implementations must honor
// ctx deadlines on every blocking call.
type Transport interface {
	Binding() string
	// Connect establishes the link and reports the service's liveness.
	Connect(ctx context.Context) (protocol.Health, error)
	Act(ctx context.Context, obs protocol.Observation) (protocol.ActionCommand, error)
	// Reward delivers one transition. Bindings without a reward channel
	// return errors.ErrUnsupported.
	Reward(ctx context.Context, t protocol.Transition) error
	Close() error
}

// Endpoint addresses the policy service for one player. Each player gets
// its own port at BasePort+PlayerID.
type Endpoint struct {
	Binding  string
	Host     string
	BasePort int
}

func (e Endpoint) Port(playerID int) int { return e.BasePort + playerID }

func (e Endpoint) Addr(playerID int) string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port(playerID)))
}

// NewTransport builds the transport for e.Binding.
func NewTransport(e Endpoint, id Identity, codec *protocol.Codec) (Transport, error) {
	addr := e.Addr(id.PlayerID)
	switch strings.ToLower(strings.TrimSpace(e.Binding)) {
	case protocol.BindingHTTP, "":
		return NewHTTPTransport("http://"+addr, id, codec), nil
	case protocol.BindingStream:
		return NewStreamTransport(addr, id, codec), nil
	case protocol.BindingWS:
		return NewWSTransport("ws://"+addr+protocol.PathWS, id, codec), nil
	default:
		return nil, fmt.Errorf("unknown binding %q", e.Binding)
	}
}

// HTTPTransport is the discrete-call binding: one POST per decision or
// reward, GET for health.
type HTTPTransport struct {
	base  string
	id    Identity
	codec *protocol.Codec
	hc    *http.Client
}

func NewHTTPTransport(baseURL string, id Identity, codec *protocol.Codec) *HTTPTransport {
	return &HTTPTransport{
		base:  strings.TrimRight(baseURL, "/"),
		id:    id,
		codec: codec,
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Binding() string { return protocol.BindingHTTP }

func (t *HTTPTransport) Connect(ctx context.Context) (protocol.Health, error) {
	body, err := t.do(ctx, http.MethodGet, protocol.PathHealth, nil)
	if err != nil {
		return protocol.Health{}, err
	}
	return t.codec.DecodeHealth(body)
}

func (t *HTTPTransport) Act(ctx context.Context, obs protocol.Observation) (protocol.ActionCommand, error) {
	req, err := t.codec.EncodeObservation(obs, t.id.InstanceID, t.id.PlayerID)
	if err != nil {
		return protocol.ActionCommand{}, err
	}
	body, err := t.do(ctx, http.MethodPost, protocol.PathGetAction, req)
	if err != nil {
		return protocol.ActionCommand{}, err
	}
	return t.codec.DecodeAction(body)
}

func (t *HTTPTransport) Reward(ctx context.Context, tr protocol.Transition) error {
	req, err := t.codec.EncodeReward(tr, t.id.InstanceID, t.id.PlayerID)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, http.MethodPost, protocol.PathUpdateReward, req)
	return err
}

func (t *HTTPTransport) Close() error {
	t.hc.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.hc.Do(req)
	if err != nil {
		return nil, protocol.Classify(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, protocol.Classify(err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s %s: status %d", protocol.ErrConnection, method, path, resp.StatusCode)
	}
	return b, nil
}
