// Package channel implements the Channel state machine (spec §4.C): one
// logical SOCKS stream carried over a dedicated, reliable, ordered WebRTC
// DataChannel. A Channel is created either by an initiator (on a local
// SOCKS CONNECT) or by a responder (on receipt of an unsolicited data
// channel from the remote peer), and transitions through
//
//	New -> Signaling -> Opening -> Forwarding -> Closed
//
// with Errored reachable from any non-terminal state. Once Forwarding, a
// Channel behaves as an io.ReadWriteCloser: bytes written go out the data
// channel, subject to the same bufferedAmount backpressure discipline the
// teacher's transport.sender used for its single shared channel
// (internal/transport/sender.go), and bytes arriving on the data channel
// are delivered to Read.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kanglin/rajang/internal/pionrtc"
	"github.com/kanglin/rajang/internal/rtcerr"
	"github.com/kanglin/rajang/internal/rtclog"
	"github.com/kanglin/rajang/internal/socksframe"
)

var log = rtclog.Component("channel")

const (
	highWaterMark = 256 * 1024
	lowWaterMark  = 64 * 1024
)

// State is a position in the Channel lifecycle.
type State int

const (
	StateNew State = iota
	StateSignaling
	StateOpening
	StateForwarding
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSignaling:
		return "signaling"
	case StateOpening:
		return "opening"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Role distinguishes the side that originated the Channel.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Manager is the subset of the Peer-Connection Manager's surface a Channel
// needs: shared peer connection lookup/creation and lifecycle refcounting.
// Defined here (rather than imported from internal/manager) so that package
// depends on this one instead of the reverse.
type Manager interface {
	// AcquirePeerConnection returns the shared PeerConnection for peerUser,
	// creating one if none exists yet, and increments its refcount.
	AcquirePeerConnection(ctx context.Context, peerUser string) (*webrtc.PeerConnection, error)
	// ReleasePeerConnection decrements peerUser's refcount, closing the
	// underlying PeerConnection once it reaches zero.
	ReleasePeerConnection(peerUser string)
	// SendDescription and SendCandidate forward to the Manager's signaling
	// client, stamped with this Channel's id.
	SendDescription(ctx context.Context, peerUser, channelID string, typ, sdp string) error
	SendCandidate(ctx context.Context, peerUser, channelID string, mid, sdp string) error
}

// Dialer performs the real outbound TCP connect a responder makes on behalf
// of the initiator's requested host:port. Extracted as an interface so
// tests can substitute a fake without opening real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (Conn, error)
}

// Conn is the minimal surface the responder's local TCP connection needs to
// satisfy, matching net.Conn's Read/Write/Close/LocalAddr.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Channel is one logical SOCKS stream over a dedicated data channel.
type Channel struct {
	ID       string
	PeerUser string
	Role     Role

	mgr Manager
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel

	mu    sync.Mutex
	state State
	err   error

	opened      chan struct{}
	openOnce    sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	releaseOnce sync.Once
	settled     chan struct{}
	settleOnce  sync.Once

	readMu   sync.Mutex
	readBuf  []byte
	readCond *sync.Cond
	readErr  error
	readEOF  bool

	drainSignal chan struct{}

	// request/reply handshake state
	handshakeMu  sync.Mutex
	handshakeBuf []byte
	request      *socksframe.Request
	reply        *socksframe.Reply
	requestDone  chan struct{}
	replyDone    chan struct{}
}

func newChannel(id, peerUser string, role Role, mgr Manager) *Channel {
	c := &Channel{
		ID:          id,
		PeerUser:    peerUser,
		Role:        role,
		mgr:         mgr,
		state:       StateNew,
		opened:      make(chan struct{}),
		closed:      make(chan struct{}),
		settled:     make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		requestDone: make(chan struct{}),
		replyDone:   make(chan struct{}),
	}
	c.readCond = sync.NewCond(&c.readMu)
	return c
}

// State returns the Channel's current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that drove the Channel into Errored, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Settled returns a channel that closes once the Channel leaves the
// handshake window: either it reached Forwarding, or it reached a terminal
// state (Errored/Closed) without ever forwarding. Callers distinguish the
// two by checking State()/Err() after the wait, instead of polling.
func (c *Channel) Settled() <-chan struct{} {
	return c.settled
}

func (c *Channel) markSettled() {
	c.settleOnce.Do(func() { close(c.settled) })
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == StateClosed || prev == StateErrored {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	log.Debug().Str("channel", c.ID).Str("from", prev.String()).Str("to", s.String()).Msg("channel state transition")
	if s == StateForwarding {
		c.markSettled()
	}
}

func (c *Channel) fail(kind rtcerr.Kind, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateErrored {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.err = rtcerr.Wrap(kind, cause)
	c.mu.Unlock()

	log.Warn().Str("channel", c.ID).Err(cause).Str("kind", kind.String()).Msg("channel errored")

	c.readMu.Lock()
	c.readErr = c.err
	c.readCond.Broadcast()
	c.readMu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	c.markSettled()
	c.release()
}

// release decrements this Channel's hold on its shared PeerConnection
// exactly once, however many of fail()/Close() end up calling it.
func (c *Channel) release() {
	if c.pc == nil || c.mgr == nil {
		return
	}
	c.releaseOnce.Do(func() {
		c.mgr.ReleasePeerConnection(c.PeerUser)
	})
}

// NewInitiator creates a Channel in the initiator role: it owns offer
// creation and drives the handshake once the data channel opens by sending
// a socksframe.Request for host:port and awaiting a Reply before the
// Channel becomes Forwarding.
func NewInitiator(ctx context.Context, mgr Manager, id, peerUser, host string, port uint16) (*Channel, error) {
	c := newChannel(id, peerUser, RoleInitiator, mgr)

	pc, err := mgr.AcquirePeerConnection(ctx, peerUser)
	if err != nil {
		return nil, fmt.Errorf("channel: acquire peer connection: %w", err)
	}
	c.pc = pc

	dc, err := pionrtc.NewDataChannel(pc, id)
	if err != nil {
		mgr.ReleasePeerConnection(peerUser)
		return nil, fmt.Errorf("channel: create data channel: %w", err)
	}
	c.dc = dc
	c.wireDataChannel()

	c.setState(StateSignaling)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.fail(rtcerr.Unknown, err)
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.fail(rtcerr.Unknown, err)
		return nil, err
	}
	if err := mgr.SendDescription(ctx, peerUser, id, "offer", offer.SDP); err != nil {
		c.fail(rtcerr.SignalDisconnected, err)
		return nil, err
	}

	c.setState(StateOpening)

	go c.initiatorHandshake(ctx, host, port)

	return c, nil
}

// NewResponder creates a Channel in the responder role from an inbound data
// channel the remote peer has already opened (label == id, by convention).
// The responder waits for the initiator's Request frame, calls dial to
// perform the real TCP connect, and replies with the outcome.
func NewResponder(mgr Manager, id, peerUser string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, dialer Dialer) *Channel {
	c := newChannel(id, peerUser, RoleResponder, mgr)
	c.pc = pc
	c.dc = dc
	c.wireDataChannel()
	c.setState(StateOpening)

	go c.responderHandshake(dialer)

	return c
}

func (c *Channel) wireDataChannel() {
	c.dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	c.dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	c.dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})

	c.dc.OnClose(func() {
		c.closeOnce.Do(func() { close(c.closed) })
		c.readMu.Lock()
		c.readEOF = true
		c.readCond.Broadcast()
		c.readMu.Unlock()
	})

	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.onMessage(msg.Data)
	})
}

// onMessage routes inbound bytes: before the handshake frame (Request or
// Reply, depending on role) has been fully parsed, bytes feed the
// handshake buffer; afterward, they feed the forwarding read buffer.
func (c *Channel) onMessage(data []byte) {
	c.handshakeMu.Lock()
	needHandshake := (c.Role == RoleInitiator && c.reply == nil) || (c.Role == RoleResponder && c.request == nil)
	if needHandshake {
		c.handshakeBuf = append(c.handshakeBuf, data...)
		if c.Role == RoleInitiator {
			reply, need, err := socksframe.DecodeReply(c.handshakeBuf)
			if err != nil {
				c.handshakeMu.Unlock()
				c.fail(rtcerr.Unknown, err)
				return
			}
			if need == 0 && reply != nil {
				c.reply = reply
				close(c.replyDone)
			}
		} else {
			req, need, err := socksframe.DecodeRequest(c.handshakeBuf)
			if err != nil {
				c.handshakeMu.Unlock()
				if reply, encErr := socksframe.EncodeReply(socksframe.Reply{Code: socksframe.ReplyConnectionRefused}); encErr == nil {
					c.dc.Send(reply)
				}
				c.fail(rtcerr.ConnectionRefused, err)
				return
			}
			if need == 0 && req != nil {
				c.request = req
				close(c.requestDone)
			}
		}
		c.handshakeMu.Unlock()
		return
	}
	c.handshakeMu.Unlock()
	c.pushRead(data)
}

func (c *Channel) pushRead(data []byte) {
	if len(data) == 0 {
		return
	}
	c.readMu.Lock()
	c.readBuf = append(c.readBuf, data...)
	c.readCond.Broadcast()
	c.readMu.Unlock()
}

func (c *Channel) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return fmt.Errorf("channel: closed before open")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initiatorHandshake waits for the data channel to open, sends the connect
// Request, waits for the Reply, and transitions to Forwarding or Errored.
func (c *Channel) initiatorHandshake(ctx context.Context, host string, port uint16) {
	if err := c.waitOpen(ctx); err != nil {
		c.fail(rtcerr.Timeout, err)
		return
	}

	frame, err := socksframe.EncodeRequest(socksframe.Request{Host: host, Port: port})
	if err != nil {
		c.fail(rtcerr.Unknown, err)
		return
	}
	if err := c.dc.Send(frame); err != nil {
		c.fail(rtcerr.Unknown, err)
		return
	}

	select {
	case <-c.replyDone:
	case <-c.closed:
		c.fail(rtcerr.Unknown, errors.New("channel: closed awaiting reply"))
		return
	case <-ctx.Done():
		c.fail(rtcerr.Timeout, ctx.Err())
		return
	}

	c.handshakeMu.Lock()
	reply := c.reply
	c.handshakeMu.Unlock()

	if reply.Code != socksframe.ReplySuccess {
		kind := socksframe.ReplyToKind(reply.Code)
		c.fail(kind, fmt.Errorf("channel: connect refused: %s", kind))
		return
	}

	c.setState(StateForwarding)
}

// responderHandshake waits for the initiator's Request, dials the real
// target via dialer, and sends back a Reply reflecting the outcome.
func (c *Channel) responderHandshake(dialer Dialer) {
	ctx := context.Background()
	select {
	case <-c.requestDone:
	case <-c.closed:
		return
	}

	c.handshakeMu.Lock()
	req := c.request
	c.handshakeMu.Unlock()

	target := fmt.Sprintf("%s:%d", req.Host, req.Port)
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		kind := classifyDialErr(err)
		reply, encErr := socksframe.EncodeReply(socksframe.Reply{Code: socksframe.KindToReply(kind)})
		if encErr == nil {
			c.dc.Send(reply)
		}
		c.fail(kind, err)
		return
	}

	boundHost, boundPort := splitHostPort(conn.LocalAddr())

	reply, err := socksframe.EncodeReply(socksframe.Reply{Code: socksframe.ReplySuccess, Host: boundHost, Port: boundPort})
	if err != nil {
		conn.Close()
		c.fail(rtcerr.Unknown, err)
		return
	}
	if err := c.dc.Send(reply); err != nil {
		conn.Close()
		c.fail(rtcerr.Unknown, err)
		return
	}

	c.setState(StateForwarding)
	c.pumpTarget(conn)
}

// splitHostPort extracts the host and port an outbound connection was
// bound to, for reporting back to the initiator as the Reply's bound
// address (original_source/Src/PeerConnecterIceClient.cpp's
// m_bindAddress/m_nBindPort).
func splitHostPort(addr net.Addr) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}

// BoundHost returns the responder-reported bound address from the
// handshake Reply, once received. Empty before the handshake completes.
func (c *Channel) BoundHost() string {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.reply == nil {
		return ""
	}
	return c.reply.Host
}

// BoundPort returns the responder-reported bound port from the handshake
// Reply, once received. Zero before the handshake completes.
func (c *Channel) BoundPort() uint16 {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	if c.reply == nil {
		return 0
	}
	return c.reply.Port
}

// pumpTarget copies bytes between the real TCP connection (conn) and this
// Channel's data channel, in both directions, until either side closes.
func (c *Channel) pumpTarget(conn Conn) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := c.writeDC(context.Background(), buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		c.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	conn.Close()
}

func classifyDialErr(err error) rtcerr.Kind {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rtcerr.Timeout
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "refused"):
		return rtcerr.ConnectionRefused
	case containsAny(msg, "no such host", "not found"):
		return rtcerr.HostNotFound
	case containsAny(msg, "network is unreachable", "unreachable"):
		return rtcerr.NetworkUnreachable
	default:
		return rtcerr.Unknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// Read implements io.Reader, returning forwarded application bytes once the
// Channel has reached Forwarding. It blocks until data is available, the
// Channel closes, or it errors.
func (c *Channel) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.readBuf) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		if c.readEOF {
			return 0, errReadEOF
		}
		c.readCond.Wait()
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

var errReadEOF = errors.New("channel: closed")

// Write implements io.Writer over the data channel, applying the same
// high/low watermark backpressure the teacher's transport.sender used.
func (c *Channel) Write(p []byte) (int, error) {
	if err := c.writeDC(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Channel) writeDC(ctx context.Context, p []byte) error {
	if c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.drainSignal:
		case <-c.closed:
			return errReadEOF
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.dc.Send(p)
}

// Close tears the Channel down: closes the data channel and, once no other
// Channel still shares it, releases the underlying PeerConnection.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state != StateClosed && c.state != StateErrored {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	c.markSettled()

	c.readMu.Lock()
	c.readEOF = true
	c.readCond.Broadcast()
	c.readMu.Unlock()

	var err error
	if c.dc != nil {
		err = c.dc.Close()
	}
	c.release()
	return err
}
