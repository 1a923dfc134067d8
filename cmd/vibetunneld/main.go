// Command vibetunneld runs the session engine: it spawns and manages
// PTY-backed terminal sessions and serves them over HTTP/JSON, SSE, and
// WebSocket, optionally joining a Federation Layer as an HQ or a remote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/server/internal/config"
	"github.com/vibetunnel/server/internal/daemon"
	"github.com/vibetunnel/server/internal/vterr"
)

func main() {
	var port int
	var bind string
	var auth string
	var hq bool
	var hqURL string
	var name string
	var controlDir string
	var configFile string

	root := &cobra.Command{
		Use:   "vibetunneld",
		Short: "Terminal session engine for vibetunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Defaults()
			if err != nil {
				return err
			}
			if configFile != "" {
				if err := cfg.ApplyFile(configFile); err != nil {
					return err
				}
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("bind") {
				cfg.Bind = bind
			}
			if cmd.Flags().Changed("auth") {
				cfg.Auth = auth
			}
			if cmd.Flags().Changed("hq") {
				cfg.HQ = hq
			}
			if cmd.Flags().Changed("hq-url") {
				cfg.HQURL = hqURL
			}
			if cmd.Flags().Changed("name") {
				cfg.Name = name
			}
			if cmd.Flags().Changed("control-dir") {
				cfg.ControlDir = controlDir
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(config.ExitBadConfig)
			}
			if err := config.EnsureControlDir(cfg.ControlDir); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(config.ExitControlDirFailure)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := daemon.Run(ctx, cfg); err != nil {
				if vterr.KindOf(err) == vterr.ControlDirUnavailable {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(config.ExitControlDirFailure)
				}
				if isAddrInUse(err) {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(config.ExitPortInUse)
				}
				return err
			}
			return nil
		},
	}

	root.Flags().IntVar(&port, "port", 4020, "listen port")
	root.Flags().StringVar(&bind, "bind", "0.0.0.0", "listen address")
	root.Flags().StringVar(&auth, "auth", "", "bearer token clients must present; empty disables auth")
	root.Flags().BoolVar(&hq, "hq", false, "run as a Federation Layer HQ (aggregator)")
	root.Flags().StringVar(&hqURL, "hq-url", "", "register this server as a remote with the HQ at this URL")
	root.Flags().StringVar(&name, "name", "", "display name used when registering with an HQ")
	root.Flags().StringVar(&controlDir, "control-dir", "", "session root directory (default ~/.vibetunnel/control)")
	root.Flags().StringVar(&configFile, "config", "", "optional YAML config file; flags and env vars still take precedence")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
