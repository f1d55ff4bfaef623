// Package socksframe implements the two fixed-plus-variable frames that
// cross a data channel exactly once each: the initiator's connect Request
// and the responder's Reply. Both are big-endian, modeled byte-for-byte on
// the original implementation's strClientRequst/strReply structures
// (see original_source/Src/PeerConnecterIceClient.cpp).
package socksframe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kanglin/rajang/internal/rtcerr"
)

// Version is the only request version this module emits or accepts.
const Version uint8 = 0

// CmdConnect is the only command this module supports (SOCKS BIND/UDP
// ASSOCIATE equivalents are a declared Non-goal).
const CmdConnect uint8 = 1

// ReplyCode is the wire value of the Reply frame's first byte.
type ReplyCode uint8

// Reply codes. 0 means success; the rest give a coarse reason, mirroring
// RFC 1928's reply field without claiming full SOCKS5 reply compatibility.
const (
	ReplySuccess            ReplyCode = 0x00
	ReplyGeneralFailure     ReplyCode = 0x01
	ReplyNotAllowed         ReplyCode = 0x02
	ReplyNetworkUnreachable ReplyCode = 0x03
	ReplyHostUnreachable    ReplyCode = 0x04
	ReplyConnectionRefused  ReplyCode = 0x05
	ReplyTTLExpired         ReplyCode = 0x06
)

// KindToReply maps a canonical error Kind to the wire reply code sent back
// to the initiator when a responder-side CONNECT fails.
func KindToReply(kind rtcerr.Kind) ReplyCode {
	switch kind {
	case rtcerr.Success:
		return ReplySuccess
	case rtcerr.ConnectionRefused:
		return ReplyConnectionRefused
	case rtcerr.HostNotFound:
		return ReplyHostUnreachable
	case rtcerr.NotAllowedConnection:
		return ReplyNotAllowed
	case rtcerr.NetworkUnreachable:
		return ReplyNetworkUnreachable
	default:
		return ReplyGeneralFailure
	}
}

// ReplyToKind maps a wire reply code back to a canonical error Kind. Used
// by the initiator side when the first reply byte is not ReplySuccess.
func ReplyToKind(rep ReplyCode) rtcerr.Kind {
	switch rep {
	case ReplySuccess:
		return rtcerr.Success
	case ReplyConnectionRefused:
		return rtcerr.ConnectionRefused
	case ReplyHostUnreachable:
		return rtcerr.HostNotFound
	case ReplyNotAllowed:
		return rtcerr.NotAllowedConnection
	case ReplyNetworkUnreachable:
		return rtcerr.NetworkUnreachable
	default:
		return rtcerr.Unknown
	}
}

// requestFixedSize is version(1) + command(1) + port(2) + len(1).
const requestFixedSize = 5

// replyFixedSize is rep(1) + reserved(1) + port(2) + len(1).
const replyFixedSize = 5

// ErrHostTooLong is returned by EncodeRequest when host is empty or exceeds
// 255 bytes, and by EncodeReply when host exceeds 255 bytes, rather than
// producing a truncated frame.
var ErrHostTooLong = errors.New("socksframe: host exceeds 255 bytes")

// Request is the initiator→responder connect frame, sent exactly once per
// Channel, on data-channel open.
type Request struct {
	Host string
	Port uint16
}

// EncodeRequest serializes a Request. Returns ErrHostTooLong if Host is
// empty or longer than 255 bytes.
func EncodeRequest(r Request) ([]byte, error) {
	if len(r.Host) == 0 || len(r.Host) > 255 {
		return nil, ErrHostTooLong
	}
	buf := make([]byte, requestFixedSize+len(r.Host))
	buf[0] = Version
	buf[1] = CmdConnect
	binary.BigEndian.PutUint16(buf[2:4], r.Port)
	buf[4] = byte(len(r.Host))
	copy(buf[requestFixedSize:], r.Host)
	return buf, nil
}

// DecodeRequest parses a Request out of buf. If buf does not yet contain a
// complete frame, it returns (nil, need, nil) where need is the number of
// additional bytes required — callers (the Channel's read buffer) should
// keep accumulating and retry, mirroring the original's
// CheckBufferLength/OnConnectionReply pattern rather than erroring on a
// short read.
func DecodeRequest(buf []byte) (req *Request, need int, err error) {
	if len(buf) < requestFixedSize {
		return nil, requestFixedSize - len(buf), nil
	}
	if buf[0] != Version {
		return nil, 0, fmt.Errorf("socksframe: unsupported request version %d", buf[0])
	}
	if buf[1] != CmdConnect {
		return nil, 0, fmt.Errorf("socksframe: unsupported command %d", buf[1])
	}
	hostLen := int(buf[4])
	if hostLen == 0 {
		return nil, 0, fmt.Errorf("socksframe: zero-length host")
	}
	total := requestFixedSize + hostLen
	if len(buf) < total {
		return nil, total - len(buf), nil
	}
	port := binary.BigEndian.Uint16(buf[2:4])
	host := string(buf[requestFixedSize:total])
	return &Request{Host: host, Port: port}, 0, nil
}

// Reply is the responder→initiator frame, sent exactly once per Channel,
// after the responder attempts (or refuses) the real TCP connect.
type Reply struct {
	Code ReplyCode
	Host string
	Port uint16
}

// EncodeReply serializes a Reply. A non-success Reply may carry an empty
// Host/Port.
func EncodeReply(r Reply) ([]byte, error) {
	if len(r.Host) > 255 {
		return nil, ErrHostTooLong
	}
	buf := make([]byte, replyFixedSize+len(r.Host))
	buf[0] = byte(r.Code)
	buf[1] = 0 // reserved
	binary.BigEndian.PutUint16(buf[2:4], r.Port)
	buf[4] = byte(len(r.Host))
	copy(buf[replyFixedSize:], r.Host)
	return buf, nil
}

// DecodeReply parses a Reply out of buf using the same "need more bytes"
// convention as DecodeRequest.
func DecodeReply(buf []byte) (reply *Reply, need int, err error) {
	if len(buf) < replyFixedSize {
		return nil, replyFixedSize - len(buf), nil
	}
	hostLen := int(buf[4])
	total := replyFixedSize + hostLen
	if len(buf) < total {
		return nil, total - len(buf), nil
	}
	port := binary.BigEndian.Uint16(buf[2:4])
	host := string(buf[replyFixedSize:total])
	return &Reply{Code: ReplyCode(buf[0]), Host: host, Port: port}, 0, nil
}
