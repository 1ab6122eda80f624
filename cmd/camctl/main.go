package main

import (
	"fmt"
	"os"

	"github.com/danmuck/camlink/internal/logging"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions holds persistent flags shared by every subcommand.
type rootOptions struct {
	configPath   string
	address      string
	port         string
	cameraConfig string
	debug        bool
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "camctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "camctl",
		Short: "Stream frames from and send commands to a network camera",
		Long: `camctl drives a camera device over its TCP protocol.

It performs the configuration handshake, keeps the freshest frame available
through a three-slot pool, and forwards serial commands to the device.
Settings come from an optional TOML file; flags override file values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a camctl TOML config")
	pf.StringVar(&opts.address, "address", "", "camera host name or IP")
	pf.StringVar(&opts.port, "port", "", "camera TCP port")
	pf.StringVar(&opts.cameraConfig, "camera-config", "", "file sent verbatim in the configuration handshake")
	pf.BoolVar(&opts.debug, "debug", false, "verbose client logging")

	root.AddCommand(
		streamCmd(opts),
		sendCmd(opts),
		versionCmd(),
	)
	return root
}

// resolve loads the config file and applies persistent flag overrides.
func (o *rootOptions) resolve(cmd *cobra.Command) (driverConfig, error) {
	cfg, err := loadDriverConfig(o.configPath)
	if err != nil {
		return driverConfig{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Camera.Address = o.address
	}
	if flags.Changed("port") {
		cfg.Camera.Port = o.port
	}
	if flags.Changed("camera-config") {
		cfg.CameraConfigPath = o.cameraConfig
	}
	if flags.Changed("debug") {
		cfg.Camera.Debug = o.debug
	}
	return cfg, nil
}
