package session

import (
	"fmt"

	"github.com/danmuck/camlink/internal/protocol"
	"github.com/danmuck/camlink/internal/protocol/frame"
)

// Configure performs the one-shot configuration handshake: a Configure header
// carrying len(config) followed by the raw config bytes. The device sends no
// acknowledgement; the image stream starts once it has applied the settings.
func Configure(ch *Channel, config []byte) error {
	if _, err := frame.CheckLength(len(config)); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrHandshakeFailed, err)
	}
	if err := ch.SendMessage(frame.OpConfigure, config); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrHandshakeFailed, err)
	}
	return nil
}
