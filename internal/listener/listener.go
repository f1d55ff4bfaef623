// Package listener implements the Accept Loop (spec §4.F): a TCP listener
// speaking SOCKS5 CONNECT-only, no-auth, handing each accepted socket to a
// Connector. The raw SOCKS5 decode is the "straightforward byte-protocol
// decoder" the spec calls out as a thin, undesigned concern; it is written
// here in the same incremental-read style as the teacher's higher-level
// framing (originally CheckBufferLength in
// original_source/Src/PeerConnecterIceClient.cpp), just applied to RFC 1928
// instead of the internal socksframe.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/kanglin/rajang/internal/rtclog"
)

var log = rtclog.Component("listener")

const (
	socks5Version    = 0x05
	authNone         = 0x00
	cmdConnect       = 0x01
	atypIPv4         = 0x01
	atypDomain       = 0x03
	atypIPv6         = 0x04
	replySuccess     = 0x00
	replyGeneralFail = 0x01
)

// Connector is the subset of connector.Connector the Listener drives.
type Connector interface {
	// Connect performs the CONNECT, including sending the SOCKS5 reply on
	// conn, then bridges conn with the forwarding Channel until either
	// side closes. It takes ownership of conn and closes it before
	// returning.
	Connect(ctx context.Context, conn net.Conn, host string, port uint16)
}

// Listener accepts local SOCKS5 sockets and hands each to a Connector.
// Its lifetime runs between Start and Stop, matching the spec's "Listener
// lifetime = process lifetime between Start(port)/Stop()".
type Listener struct {
	connector Connector

	ln     net.Listener
	cancel context.CancelFunc
}

// New creates a Listener that will dispatch every accepted connection to
// connector.
func New(connector Connector) *Listener {
	return &Listener{connector: connector}
}

// Start binds port and begins accepting. It returns once the socket is
// bound; accepting continues in a background goroutine until Stop is
// called.
func (l *Listener) Start(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listener: bind :%d: %w", port, err)
	}
	l.ln = ln

	acceptCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	log.Info().Int("port", port).Msg("socks listener started")

	go l.acceptLoop(acceptCtx)

	return nil
}

// Stop closes the listening socket, unblocking the accept loop.
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		go l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	host, port, err := negotiate(conn)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("socks5 negotiation failed")
		conn.Close()
		return
	}
	l.connector.Connect(ctx, conn, host, port)
}

// negotiate performs the SOCKS5 greeting (no-auth only) and reads the
// CONNECT request, returning the requested host and port. For a request it
// accepts it does not send the final reply — that is the Connector's job
// once it knows the real outcome (spec §4.B: "translates failures into the
// SOCKS reply code"). It does answer an unsupported command or address
// type with a general-failure reply, and a client offering no no-auth
// method with the 0xFF method rejection, before returning an error.
func negotiate(conn net.Conn) (host string, port uint16, err error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, fmt.Errorf("listener: read greeting: %w", err)
	}
	if hdr[0] != socks5Version {
		return "", 0, fmt.Errorf("listener: unsupported socks version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, fmt.Errorf("listener: read auth methods: %w", err)
	}

	hasNone := false
	for _, m := range methods {
		if m == authNone {
			hasNone = true
		}
	}
	if !hasNone {
		conn.Write([]byte{socks5Version, 0xFF})
		return "", 0, errors.New("listener: client does not offer no-auth")
	}
	if _, err := conn.Write([]byte{socks5Version, authNone}); err != nil {
		return "", 0, fmt.Errorf("listener: write method selection: %w", err)
	}

	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHdr); err != nil {
		return "", 0, fmt.Errorf("listener: read request header: %w", err)
	}
	if reqHdr[0] != socks5Version {
		return "", 0, fmt.Errorf("listener: unsupported socks version %d", reqHdr[0])
	}
	if reqHdr[1] != cmdConnect {
		writeFailure(conn, replyGeneralFail)
		return "", 0, fmt.Errorf("listener: unsupported command %d (CONNECT only)", reqHdr[1])
	}

	switch reqHdr[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("listener: read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("listener: read ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, fmt.Errorf("listener: read domain length: %w", err)
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, fmt.Errorf("listener: read domain: %w", err)
		}
		host = string(domain)
	default:
		writeFailure(conn, replyGeneralFail)
		return "", 0, fmt.Errorf("listener: unsupported address type %d", reqHdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("listener: read port: %w", err)
	}
	port = uint16(portBuf[0])<<8 | uint16(portBuf[1])

	return host, port, nil
}

func writeFailure(conn net.Conn, code byte) {
	conn.Write([]byte{socks5Version, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

// WriteReply sends a SOCKS5 reply with the given code and bound
// address/port. Exported so Connector can report both success and failure
// outcomes through the same framing negotiate used to decode the request.
func WriteReply(conn net.Conn, code byte, boundHost string, boundPort uint16) error {
	ip := net.ParseIP(boundHost)
	var atyp byte
	var addr []byte
	switch {
	case ip == nil:
		atyp = atypDomain
		addr = append([]byte{byte(len(boundHost))}, []byte(boundHost)...)
	case ip.To4() != nil:
		atyp = atypIPv4
		addr = ip.To4()
	default:
		atyp = atypIPv6
		addr = ip.To16()
	}

	reply := make([]byte, 0, 6+len(addr))
	reply = append(reply, socks5Version, code, 0x00, atyp)
	reply = append(reply, addr...)
	reply = append(reply, byte(boundPort>>8), byte(boundPort))

	_, err := conn.Write(reply)
	return err
}

// ReplySuccess and ReplyGeneralFailure are the two reply codes Connector
// needs; the fuller RFC 1928 taxonomy is intentionally not exposed since
// the Connector classifies failures via rtcerr.Kind, not these raw codes.
const (
	ReplySuccess        = replySuccess
	ReplyGeneralFailure = replyGeneralFail
)
