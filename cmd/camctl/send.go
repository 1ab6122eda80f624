package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/spf13/cobra"
)

func steeringHelp() string {
	var b strings.Builder
	for _, e := range camera.SteeringNames() {
		fmt.Fprintf(&b, "  %-9s %q\n", e[0], e[1])
	}
	return b.String()
}

func sendCmd(root *rootOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "send COMMAND...",
		Short: "Send serial commands to the device",
		Long: "Connect, run the configuration handshake and send each argument as a\n" +
			"serial command. Steering names map to single bytes:\n\n" + steeringHelp(),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolve(cmd)
			if err != nil {
				return err
			}
			cmds := make([][]byte, 0, len(args))
			for _, arg := range args {
				b, err := camera.ResolveCommand(arg, raw)
				if err != nil {
					return err
				}
				cmds = append(cmds, b)
			}
			return runSend(cmd.Context(), cfg, cmds)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "send arguments verbatim without steering name lookup")
	return cmd
}

func runSend(ctx context.Context, cfg driverConfig, cmds [][]byte) error {
	config, err := readCameraConfig(cfg.CameraConfigPath)
	if err != nil {
		return err
	}
	c, err := camera.Connect(ctx, cfg.Camera, config)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, b := range cmds {
		if err := c.RequestCommand(b); err != nil {
			return fmt.Errorf("send %q: %w", b, err)
		}
	}
	return nil
}
