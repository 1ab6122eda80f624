package testlog

import (
	"testing"

	"github.com/danmuck/camlink/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	l := logging.Logger()
	l.Info().Str("test", t.Name()).Msg("start")
}
