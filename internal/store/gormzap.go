package store

import (
	"fmt"

	"go.uber.org/zap"
)

// stdAdapter satisfies gorm logger.Writer (Printf(string, ...any)) by
// routing SQL trace lines through the process zap logger instead of
// gorm's default os.Stdout writer.
type stdAdapter struct {
	log *zap.SugaredLogger
}

func newStdAdapter(log *zap.Logger) *stdAdapter {
	return &stdAdapter{log: log.Sugar()}
}

func (a *stdAdapter) Printf(format string, args ...any) {
	a.log.Debugf(fmt.Sprintf(format, args...))
}
