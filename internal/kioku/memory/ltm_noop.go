package memory

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopLTM discards writes and never finds anything. It is the backend when
// long-term memory is disabled, which makes every lookup a miss.
type NoopLTM struct {
	logger zerolog.Logger
}

// NewNoopLTM returns a NoopLTM that logs discarded writes at debug level.
func NewNoopLTM(logger zerolog.Logger) *NoopLTM {
	return &NoopLTM{logger: logger}
}

func (n *NoopLTM) Write(_ context.Context, f Fragment) error {
	n.logger.Debug().Str("fragment_id", f.ID).Msg("ltm noop: write discarded")
	return nil
}

func (n *NoopLTM) Query(context.Context, string, int) ([]Fragment, error) {
	return nil, nil
}

var _ LongTermStore = (*NoopLTM)(nil)
