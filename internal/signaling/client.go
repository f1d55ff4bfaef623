// Package signaling implements the Signal Client (spec §4.A): a
// bidirectional JSON envelope bus, typically carried over WebSocket, used
// to exchange SDP descriptions and ICE candidates out of band from the
// WebRTC engine itself. It is deliberately ignorant of SOCKS, channels, or
// peer connections — the Manager is the only consumer of its events.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/kanglin/rajang/internal/rtclog"
)

var log = rtclog.Component("signaling")

// EventKind discriminates the variants carried on Client.Events().
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventDescription
	EventCandidate
)

// Event is the single type emitted on Client.Events(). Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	From      string
	To        string
	ChannelID string
	Desc      Description
	Cand      Candidate
	ErrCode   int
	ErrMsg    string
}

// Client is a bidirectional signaling bus connection for one local user.
// Each emitted event is delivered exactly once, in the order the bus
// delivered it to the reader loop (spec §4.A / §5 ordering guarantee).
type Client struct {
	localUser string

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	writeMu sync.Mutex

	events chan Event
}

// Dial connects to the signaling server at url and starts the read loop.
// localUser is used both to stamp outgoing envelopes' fromUser and to
// filter inbound envelopes to those addressed to this node (spec §9:
// "toUser != self filtering").
func Dial(ctx context.Context, url, localUser string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	c := &Client{
		localUser: localUser,
		conn:      conn,
		open:      true,
		events:    make(chan Event, 64),
	}

	go c.readLoop()

	return c, nil
}

// Events returns the channel on which connection lifecycle and inbound
// signaling events are delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsOpen reports whether the underlying connection is believed open. It is
// best-effort: a concurrent network failure may not yet be reflected.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close closes the underlying connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()

	if !wasOpen || conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "closing")
}

// SendDescription sends an SDP offer/answer addressed to the given peer
// user, stamped with channelId and this client's localUser as from.
func (c *Client) SendDescription(ctx context.Context, to, channelID string, desc Description) error {
	return c.send(ctx, envelope{
		Action:    msgDescription,
		FromUser:  c.localUser,
		ToUser:    to,
		ChannelID: channelID,
		Type:      desc.Type,
		SDP:       desc.SDP,
	})
}

// SendCandidate sends a trickled ICE candidate addressed to the given peer
// user.
func (c *Client) SendCandidate(ctx context.Context, to, channelID string, cand Candidate) error {
	return c.send(ctx, envelope{
		Action:    msgCandidate,
		FromUser:  c.localUser,
		ToUser:    to,
		ChannelID: channelID,
		SDP:       cand.SDP,
		Mid:       cand.Mid,
	})
}

func (c *Client) send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: marshal envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readLoop is the single reader goroutine for this bus connection. All
// events it emits are therefore delivered in arrival order, satisfying the
// per-(peerUser, channelId) ordering guarantee the Manager relies on.
func (c *Client) readLoop() {
	ctx := context.Background()
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.open = false
			c.mu.Unlock()
			c.events <- Event{Kind: EventDisconnected}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("ignoring malformed signaling envelope")
			continue
		}

		// Non-goal: an untrusted bus may relay envelopes not addressed to
		// us. Filter at ingress rather than trusting the bus (spec §9).
		if env.ToUser != c.localUser {
			continue
		}

		switch env.Action {
		case msgDescription:
			c.events <- Event{
				Kind:      EventDescription,
				From:      env.FromUser,
				To:        env.ToUser,
				ChannelID: env.ChannelID,
				Desc:      Description{Type: env.Type, SDP: env.SDP},
			}
		case msgCandidate:
			c.events <- Event{
				Kind:      EventCandidate,
				From:      env.FromUser,
				To:        env.ToUser,
				ChannelID: env.ChannelID,
				Cand:      Candidate{SDP: env.SDP, Mid: env.Mid},
			}
		default:
			log.Warn().Str("action", string(env.Action)).Msg("ignoring unknown signaling action")
		}
	}
}
