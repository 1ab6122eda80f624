package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/camlink/internal/device"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/spf13/cobra"
)

type options struct {
	listen   string
	dir      string
	interval time.Duration
	loops    int
	clients  int
	quitEnds bool
	// handshake bounds the wait for each client's Configure request.
	handshake time.Duration
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "camstub: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "camstub",
		Short: "Simulated camera device streaming image files",
		Long: `camstub accepts camera clients, reads their configuration handshake and
streams every file from --dir as one frame at a fixed interval, ending with
the zero-size end-of-stream marker. Serial commands are logged.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "127.0.0.1:12345", "listen address")
	f.StringVar(&opts.dir, "dir", "", "directory of image files, one frame per file")
	f.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "delay between frames")
	f.IntVar(&opts.loops, "loops", 1, "passes over the feed per client (0 = until the client leaves)")
	f.IntVar(&opts.clients, "clients", 0, "clients to serve before exiting (0 = unlimited)")
	f.BoolVar(&opts.quitEnds, "quit-ends", true, "end the stream when the client sends \"q\"")
	f.DurationVar(&opts.handshake, "handshake-timeout", device.DefaultHandshakeTimeout, "time a client has to send its configuration")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	log := logging.Component("camstub")
	frames, err := device.LoadFeed(opts.dir)
	if err != nil {
		return err
	}
	sim, err := device.Listen(opts.listen)
	if err != nil {
		return err
	}
	defer sim.Close()
	sim.HandshakeTimeout = opts.handshake
	log.Info().Str("addr", sim.Addr()).Int("frames", len(frames)).Msg("camstub listening")

	for served := 0; opts.clients == 0 || served < opts.clients; served++ {
		s, err := sim.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, device.ErrBadHandshake) {
				log.Warn().Err(err).Msg("client rejected")
				served--
				continue
			}
			return err
		}
		serve(ctx, s, frames, opts)
	}
	return nil
}

// serve streams to one client until the feed ends, the client quits or ctx is
// cancelled.
func serve(ctx context.Context, s *device.Session, frames [][]byte, opts *options) {
	log := logging.Component("camstub").With().Str("remote", s.Conn().RemoteAddr().String()).Logger()
	log.Info().Int("config_len", len(s.Config())).Msg("client configured")
	defer s.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			cmd, err := s.ReadCommand()
			if err != nil {
				cancel()
				return
			}
			log.Info().Str("command", string(cmd)).Msg("serial command")
			if opts.quitEnds && string(cmd) == "q" {
				cancel()
			}
		}
	}()

	n, err := s.Stream(streamCtx, frames, device.FeedOptions{Interval: opts.interval, Loops: opts.loops})
	if err != nil {
		log.Warn().Err(err).Int("frames", n).Msg("stream aborted")
		return
	}
	log.Info().Int("frames", n).Msg("stream ended")
}
