package connector

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kanglin/rajang/internal/channel"
	"github.com/kanglin/rajang/internal/listener"
)

// fakeDialer lets tests control what Connector.Connect sees without
// driving a real Channel through signaling and WebRTC negotiation, which
// this package's Connect only ever treats as an opaque *channel.Channel.
type fakeDialer struct {
	err     error
	gotPeer string
	gotID   string
	gotHost string
	gotPort uint16
}

func (d *fakeDialer) Connect(ctx context.Context, peerUser, channelID, host string, port uint16) (*channel.Channel, error) {
	d.gotPeer = peerUser
	d.gotID = channelID
	d.gotHost = host
	d.gotPort = port
	return nil, d.err
}

var _ Dialer = (*fakeDialer)(nil)

func readReply(t *testing.T, conn net.Conn) byte {
	t.Helper()
	buf := make([]byte, 10)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return buf[1]
}

func TestConnectRepliesGeneralFailureWhenDialerErrors(t *testing.T) {
	d := &fakeDialer{err: errDialFailed}
	c := New(d, "bob")

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		c.Connect(context.Background(), server, "example.com", 443)
		close(done)
	}()

	if code := readReply(t, client); code != listener.ReplyGeneralFailure {
		t.Errorf("reply code = %d, want ReplyGeneralFailure", code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after replying")
	}

	if d.gotPeer != "bob" || d.gotHost != "example.com" || d.gotPort != 443 {
		t.Errorf("dialer saw (%q, %q, %d), want (bob, example.com, 443)", d.gotPeer, d.gotHost, d.gotPort)
	}
}

func TestConnectClosesLocalConnOnDialerError(t *testing.T) {
	d := &fakeDialer{err: errDialFailed}
	c := New(d, "bob")

	client, server := net.Pipe()
	defer client.Close()

	go c.Connect(context.Background(), server, "example.com", 443)

	readReply(t, client)

	// server must be closed by Connect's defer; a further read from our
	// side then fails, since net.Pipe reports io.EOF on a read once the
	// other end has been closed.
	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Error("expected read to fail once Connect closed its side of the pipe")
	}
}

type dialFailedErr struct{}

func (dialFailedErr) Error() string { return "connector_test: simulated dial failure" }

var errDialFailed = dialFailedErr{}
