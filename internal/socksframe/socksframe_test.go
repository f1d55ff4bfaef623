package socksframe

import (
	"testing"

	"github.com/kanglin/rajang/internal/rtcerr"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Host: "example.com", Port: 443},
		{Host: "1.2.3.4", Port: 80},
		{Host: "a", Port: 0},
	}

	for _, want := range cases {
		frame, err := EncodeRequest(want)
		if err != nil {
			t.Fatalf("EncodeRequest(%+v): %v", want, err)
		}
		got, need, err := DecodeRequest(frame)
		if err != nil {
			t.Fatalf("DecodeRequest: %v", err)
		}
		if need != 0 {
			t.Fatalf("DecodeRequest: need = %d, want 0", need)
		}
		if got.Host != want.Host || got.Port != want.Port {
			t.Fatalf("DecodeRequest = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeRequestIncremental(t *testing.T) {
	frame, err := EncodeRequest(Request{Host: "example.com", Port: 443})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	for i := 0; i < len(frame); i++ {
		req, need, err := DecodeRequest(frame[:i])
		if err != nil {
			t.Fatalf("DecodeRequest(%d bytes): unexpected error %v", i, err)
		}
		if req != nil {
			t.Fatalf("DecodeRequest(%d bytes): got a request before the frame was complete", i)
		}
		if need <= 0 {
			t.Fatalf("DecodeRequest(%d bytes): need = %d, want > 0", i, need)
		}
	}

	req, need, err := DecodeRequest(frame)
	if err != nil || need != 0 || req == nil {
		t.Fatalf("DecodeRequest(full frame): req=%v need=%d err=%v", req, need, err)
	}
}

func TestEncodeRequestHostTooLong(t *testing.T) {
	host := make([]byte, 256)
	for i := range host {
		host[i] = 'a'
	}
	if _, err := EncodeRequest(Request{Host: string(host), Port: 1}); err != ErrHostTooLong {
		t.Fatalf("EncodeRequest: err = %v, want ErrHostTooLong", err)
	}
	if _, err := EncodeRequest(Request{Host: "", Port: 1}); err != ErrHostTooLong {
		t.Fatalf("EncodeRequest(empty host): err = %v, want ErrHostTooLong", err)
	}
}

func TestDecodeRequestRejectsBadVersionAndCommand(t *testing.T) {
	frame, err := EncodeRequest(Request{Host: "h", Port: 1})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	badVersion := append([]byte(nil), frame...)
	badVersion[0] = Version + 1
	if _, _, err := DecodeRequest(badVersion); err == nil {
		t.Fatal("DecodeRequest: expected error for bad version")
	}

	badCmd := append([]byte(nil), frame...)
	badCmd[1] = CmdConnect + 1
	if _, _, err := DecodeRequest(badCmd); err == nil {
		t.Fatal("DecodeRequest: expected error for bad command")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	cases := []Reply{
		{Code: ReplySuccess, Host: "93.184.216.34", Port: 443},
		{Code: ReplyConnectionRefused},
		{Code: ReplyHostUnreachable, Host: "", Port: 0},
	}

	for _, want := range cases {
		frame, err := EncodeReply(want)
		if err != nil {
			t.Fatalf("EncodeReply(%+v): %v", want, err)
		}
		got, need, err := DecodeReply(frame)
		if err != nil {
			t.Fatalf("DecodeReply: %v", err)
		}
		if need != 0 {
			t.Fatalf("DecodeReply: need = %d, want 0", need)
		}
		if got.Code != want.Code || got.Host != want.Host || got.Port != want.Port {
			t.Fatalf("DecodeReply = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeReplyIncremental(t *testing.T) {
	frame, err := EncodeReply(Reply{Code: ReplySuccess, Host: "host.example", Port: 8080})
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}

	for i := 0; i < len(frame); i++ {
		reply, need, err := DecodeReply(frame[:i])
		if err != nil {
			t.Fatalf("DecodeReply(%d bytes): unexpected error %v", i, err)
		}
		if reply != nil {
			t.Fatalf("DecodeReply(%d bytes): got a reply before the frame was complete", i)
		}
		if need <= 0 {
			t.Fatalf("DecodeReply(%d bytes): need = %d, want > 0", i, need)
		}
	}
}

func TestKindReplyRoundTrip(t *testing.T) {
	kinds := []rtcerr.Kind{
		rtcerr.Success,
		rtcerr.ConnectionRefused,
		rtcerr.HostNotFound,
		rtcerr.NotAllowedConnection,
		rtcerr.NetworkUnreachable,
	}
	for _, k := range kinds {
		if got := ReplyToKind(KindToReply(k)); got != k {
			t.Errorf("ReplyToKind(KindToReply(%v)) = %v, want %v", k, got, k)
		}
	}

	// Kinds with no dedicated wire code collapse to a general failure, which
	// maps back to Unknown rather than round-tripping.
	if got := KindToReply(rtcerr.Timeout); got != ReplyGeneralFailure {
		t.Errorf("KindToReply(Timeout) = %v, want ReplyGeneralFailure", got)
	}
}
