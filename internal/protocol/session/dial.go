package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/camlink/internal/protocol"
)

// Dial resolves address (any family) and connects to the first candidate that
// accepts. It fails only after every candidate is exhausted. Every failure wraps
// protocol.ErrConnectFailed; connect timeouts also wrap protocol.ErrChannelTimeout.
// Dial never retries; callers decide whether to retry the whole client.
func Dial(ctx context.Context, address, port string, cfg Config) (*Channel, error) {
	cfg = cfg.WithDefaults()
	log := cfg.logger("session.Dial")

	host := strings.TrimSpace(address)
	if host == "" {
		return nil, fmt.Errorf("%w: address required", protocol.ErrConnectFailed)
	}
	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", strings.TrimSpace(port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %q: %w", protocol.ErrConnectFailed, port, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", protocol.ErrConnectFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: resolve %q: no addresses", protocol.ErrConnectFailed, host)
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	var (
		errs     []error
		timedOut bool
	)
	for i, ip := range ips {
		target := net.JoinHostPort(ip.String(), strconv.Itoa(portNum))
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			log.Debug().Int("candidate", i).Str("target", target).Err(err).Msg("connect failed")
			errs = append(errs, err)
			if isTimeout(err) {
				timedOut = true
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Debug().Str("target", target).Str("local", conn.LocalAddr().String()).Msg("connected")
		return NewChannel(conn, cfg), nil
	}

	cause := errors.Join(errs...)
	if timedOut {
		return nil, fmt.Errorf("%w: %w: %s:%s: %w", protocol.ErrConnectFailed, protocol.ErrChannelTimeout, host, port, cause)
	}
	return nil, fmt.Errorf("%w: %s:%s: %w", protocol.ErrConnectFailed, host, port, cause)
}
