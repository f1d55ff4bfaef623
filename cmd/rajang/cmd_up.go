package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kanglin/rajang/internal/channel"
	"github.com/kanglin/rajang/internal/connector"
	"github.com/kanglin/rajang/internal/iceconfig"
	"github.com/kanglin/rajang/internal/listener"
	"github.com/kanglin/rajang/internal/manager"
	"github.com/kanglin/rajang/internal/rtclog"
	"github.com/kanglin/rajang/internal/signaling"
	"github.com/kanglin/rajang/internal/store"
)

var log = rtclog.Component("cmd")

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the SOCKS5-over-WebRTC proxy",
	RunE:  runUp,
}

// netDialer adapts net.Dialer to channel.Dialer for responder-side
// outbound connects.
type netDialer struct {
	d net.Dialer
}

func (nd netDialer) DialContext(ctx context.Context, network, address string) (channel.Conn, error) {
	return nd.d.DialContext(ctx, network, address)
}

func runUp(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg, err := store.Load(path)
	if err != nil {
		return fmt.Errorf("load config (run 'rajang init' first): %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	iceCfg := iceconfig.New(cfg.ICE.STUNHost, cfg.ICE.STUNPort, cfg.ICE.TURNHost, cfg.ICE.TURNPort, cfg.ICE.TURNUser, cfg.ICE.TURNPass)

	spinner, _ := pterm.DefaultSpinner.Start("connecting to signaling server...")
	sig, err := signaling.Dial(ctx, cfg.Signal.ServerURL, cfg.Identity.SignalUser)
	if err != nil {
		spinner.Fail(fmt.Sprintf("failed to connect to signaling server: %v", err))
		return err
	}
	spinner.Success("connected to signaling server as " + cfg.Identity.SignalUser)

	mgr := manager.New(cfg.Identity.SignalUser, iceCfg, sig, netDialer{})
	conn := connector.New(mgr, cfg.Identity.PeerUser)
	ln := listener.New(conn)

	if err := ln.Start(ctx, cfg.Local.ListenPort); err != nil {
		return err
	}
	defer ln.Stop()

	pterm.Success.Printfln("forwarding local SOCKS5 :%d to peer %q", cfg.Local.ListenPort, cfg.Identity.PeerUser)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	time.Sleep(100 * time.Millisecond)
	return nil
}
