package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var ErrEmptyFeed = errors.New("device: feed has no frames")

// LoadFeed reads every regular, non-empty file in dir in lexical order.
// Hidden files are skipped.
func LoadFeed(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("device: read feed dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("device: read feed frame: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		frames = append(frames, data)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFeed, dir)
	}
	return frames, nil
}

// FeedOptions controls Stream.
type FeedOptions struct {
	Interval time.Duration
	// Loops repeats the feed; 0 repeats until ctx is done.
	Loops int
}

// Stream sends frames at a fixed interval, then the end-of-stream sentinel.
// Cancelling ctx also ends the stream with the sentinel.
func (s *Session) Stream(ctx context.Context, frames [][]byte, opts FeedOptions) (int, error) {
	if len(frames) == 0 {
		return 0, ErrEmptyFeed
	}
	ticker := time.NewTicker(max(opts.Interval, time.Millisecond))
	defer ticker.Stop()

	sent := 0
	for loop := 0; opts.Loops == 0 || loop < opts.Loops; loop++ {
		for _, f := range frames {
			if err := s.SendFrame(f); err != nil {
				return sent, err
			}
			sent++
			select {
			case <-ctx.Done():
				return sent, s.EndStream()
			case <-ticker.C:
			}
		}
	}
	s.log.Debug().Int("frames", sent).Msg("feed complete")
	return sent, s.EndStream()
}
