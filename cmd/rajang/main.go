// Command rajang is a SOCKS5 proxy whose forwarding transport is a
// peer-to-peer WebRTC data channel, negotiated with a remote peer over an
// out-of-band signaling bus. Each running instance is symmetric: it both
// accepts local SOCKS5 connections to forward to its configured peer, and
// answers inbound offers from that same peer as a responder.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kanglin/rajang/internal/rtclog"
	"github.com/kanglin/rajang/internal/store"
)

var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rajang",
	Short: "SOCKS5 proxy forwarded over WebRTC",
	Long: `rajang forwards local SOCKS5 CONNECT requests to a remote peer over
a WebRTC data channel, negotiated out of band through a signaling bus.
No relay server sits in the forwarded traffic's path once the peer
connection is established.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if globalVerbose {
			level = zerolog.DebugLevel
		}
		rtclog.SetLevel(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: ~/.config/rajang/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rajang version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func resolveConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return store.DefaultConfigPath()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
