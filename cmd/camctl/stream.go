package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/danmuck/camlink/internal/observability"
	"github.com/danmuck/camlink/internal/preview"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type streamOptions struct {
	poll        time.Duration
	outputDir   string
	httpAddr    string
	reconnect   bool
	maxAttempts int
	stdin       bool
}

func streamCmd(root *rootOptions) *cobra.Command {
	opts := &streamOptions{}
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Connect and consume frames until the stream ends",
		Long: `Connect to the camera, run the configuration handshake and poll the
latest frame at a fixed interval. Each new frame is written to the output
directory (or logged) and pushed to preview viewers when --http is set.
With --stdin, each line read from standard input is sent as a steering
command on the live connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.resolve(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStream(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.DurationVar(&opts.poll, "poll", defaultPollInterval, "interval between latest-frame polls")
	f.StringVarP(&opts.outputDir, "output", "o", "", "directory receiving one file per frame")
	f.StringVar(&opts.httpAddr, "http", "", "preview server listen address, e.g. 127.0.0.1:8080")
	f.BoolVar(&opts.reconnect, "reconnect", false, "reconnect with backoff when the client fails")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "reconnect attempts before giving up (0 = unlimited)")
	f.BoolVar(&opts.stdin, "stdin", false, "read steering commands from stdin, one per line")
	return cmd
}

func (o *streamOptions) apply(cmd *cobra.Command, cfg *driverConfig) {
	flags := cmd.Flags()
	if flags.Changed("poll") {
		cfg.PollInterval = o.poll
	}
	if flags.Changed("output") {
		cfg.OutputDir = o.outputDir
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = o.httpAddr
	}
	if flags.Changed("reconnect") {
		cfg.Reconnect = o.reconnect
	}
	if flags.Changed("max-attempts") {
		cfg.MaxConnectAttempts = o.maxAttempts
	}
	cfg.StdinCommands = o.stdin
}

func runStream(ctx context.Context, cfg driverConfig) error {
	log := logging.Component("camctl.stream")
	config, err := readCameraConfig(cfg.CameraConfigPath)
	if err != nil {
		return err
	}

	var sinks []frameSink
	if cfg.OutputDir != "" {
		ds, err := newDirSink(cfg.OutputDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, ds)
	} else {
		sinks = append(sinks, logSink{log: log})
	}

	var hub *preview.Hub
	if cfg.HTTPAddr != "" {
		hub = preview.NewHub()
		sinks = append(sinks, hubSink{hub: hub})
	}
	d := newDriver(cfg, config, sinks...)

	if hub != nil {
		observability.RegisterMetrics()
		srv, err := preview.Listen(cfg.HTTPAddr, d, hub)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("preview shutdown")
			}
		}()
	}

	if cfg.StdinCommands {
		go func() {
			if err := readCommands(ctx, os.Stdin, d, log); err != nil {
				log.Warn().Err(err).Msg("stdin commands stopped")
			}
		}()
	}

	log.Info().
		Str("device", cfg.Camera.Address+":"+cfg.Camera.Port).
		Dur("poll", cfg.PollInterval).
		Bool("reconnect", cfg.Reconnect).
		Msg("stream starting")
	err = d.run(ctx)
	log.Info().Uint64("frames", d.Frames()).Msg("stream finished")
	return err
}

type commandTarget interface {
	RequestCommand(cmd []byte) error
}

// readCommands sends one steering command per non-blank line of r until r is
// exhausted or ctx is done. Send failures are logged and do not stop reading.
func readCommands(ctx context.Context, r io.Reader, dst commandTarget, log zerolog.Logger) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		cmd, err := camera.ResolveCommand(line, false)
		if err != nil {
			return err
		}
		if err := dst.RequestCommand(cmd); err != nil {
			log.Warn().Err(err).Str("command", line).Msg("command not sent")
			continue
		}
		log.Debug().Str("command", line).Msg("command sent")
	}
	return sc.Err()
}
