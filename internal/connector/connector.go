// Package connector implements the Connector (spec §4.B / §4.F row):
// drives a Channel from an accepted local SOCKS socket through to
// forwarding, translating Channel failures into a SOCKS5 reply and, once
// forwarding, relaying bytes transparently in both directions until either
// side closes.
package connector

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"github.com/kanglin/rajang/internal/channel"
	"github.com/kanglin/rajang/internal/listener"
	"github.com/kanglin/rajang/internal/rtcerr"
	"github.com/kanglin/rajang/internal/rtclog"
	"github.com/kanglin/rajang/internal/socksframe"
)

var log = rtclog.Component("connector")

// Dialer is the subset of Manager a Connector needs: opening an initiator
// Channel to a peer.
type Dialer interface {
	Connect(ctx context.Context, peerUser, channelID, host string, port uint16) (*channel.Channel, error)
}

// Connector binds every accepted local socket to the same remote
// peerUser, per the spec's model of one proxy process forwarding to one
// configured peer.
type Connector struct {
	dialer   Dialer
	peerUser string
}

// New creates a Connector that forwards every CONNECT to peerUser.
func New(dialer Dialer, peerUser string) *Connector {
	return &Connector{dialer: dialer, peerUser: peerUser}
}

// Connect implements listener.Connector: it opens a Channel for host:port,
// waits for it to reach Forwarding or Errored, replies on conn
// accordingly, and — on success — relays bytes until either side closes.
// It always closes conn before returning.
func (c *Connector) Connect(ctx context.Context, conn net.Conn, host string, port uint16) {
	defer conn.Close()

	channelID := uuid.NewString()

	ch, err := c.dialer.Connect(ctx, c.peerUser, channelID, host, port)
	if err != nil {
		log.Warn().Err(err).Str("host", host).Uint16("port", port).Msg("failed to create channel")
		listener.WriteReply(conn, listener.ReplyGeneralFailure, "0.0.0.0", 0)
		return
	}

	if err := waitForward(ctx, ch); err != nil {
		kind := rtcerr.KindOf(err)
		code := socksframe.KindToReply(kind)
		log.Debug().Err(err).Str("channel", channelID).Msg("channel failed before forwarding")
		listener.WriteReply(conn, byte(code), "0.0.0.0", 0)
		ch.Close()
		return
	}

	if err := listener.WriteReply(conn, listener.ReplySuccess, ch.BoundHost(), ch.BoundPort()); err != nil {
		ch.Close()
		return
	}

	relay(conn, ch)
}

// waitForward blocks until ch settles out of its handshake window,
// returning nil if it reached Forwarding or the channel's recorded error
// otherwise. Channel's own Read/Write already block correctly once
// Forwarding, so this only guards the handshake window.
func waitForward(ctx context.Context, ch *channel.Channel) error {
	select {
	case <-ch.Settled():
	case <-ctx.Done():
		return ctx.Err()
	}

	if ch.State() == channel.StateForwarding {
		return nil
	}
	if err := ch.Err(); err != nil {
		return err
	}
	return fmt.Errorf("connector: channel closed before forwarding")
}

// relay copies bytes in both directions between conn and ch until either
// side closes, then closes both.
func relay(conn net.Conn, ch *channel.Channel) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(ch, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, ch)
		done <- struct{}{}
	}()

	<-done
	conn.Close()
	ch.Close()
	<-done
}
