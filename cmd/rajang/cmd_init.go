package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kanglin/rajang/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a rajang config file",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg := store.DefaultConfig()

	var listenPortStr string
	var stunHost string
	var stunPortStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Your signaling identity").
				Description("How your peer will address you on the signaling bus.").
				Value(&cfg.Identity.SignalUser),
			huh.NewInput().
				Title("Peer identity").
				Description("The remote identity every local CONNECT will be forwarded to.").
				Value(&cfg.Identity.PeerUser),
			huh.NewInput().
				Title("Signaling server URL").
				Description("ws:// or wss:// URL of the signaling bus.").
				Value(&cfg.Signal.ServerURL),
			huh.NewInput().
				Title("Local SOCKS5 listen port").
				Value(&listenPortStr).
				Placeholder("1080"),
			huh.NewInput().
				Title("STUN host").
				Value(&stunHost).
				Placeholder(cfg.ICE.STUNHost),
			huh.NewInput().
				Title("STUN port").
				Value(&stunPortStr).
				Placeholder(fmt.Sprintf("%d", cfg.ICE.STUNPort)),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	if listenPortStr != "" {
		fmt.Sscanf(listenPortStr, "%d", &cfg.Local.ListenPort)
	}
	if stunHost != "" {
		cfg.ICE.STUNHost = stunHost
	}
	if stunPortStr != "" {
		fmt.Sscanf(stunPortStr, "%d", &cfg.ICE.STUNPort)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := store.Save(path, cfg); err != nil {
		return err
	}

	pterm.Success.Printfln("wrote config to %s", path)
	return nil
}
