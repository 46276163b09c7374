package build

import (
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// NewSubLogger constructs a new subsystem log from the current btclog
// implementation. It is provided with a subsystem tag string and a sub-logger
// generation function. If the generation function is nil, the disabled logger
// is returned, meaning the package will not perform any logging by default
// until the caller installs a real logger via the package's UseLogger.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggerManager hands out subsystem loggers that share a single log
// handler. All loggers write to the same destination and carry their
// subsystem tag as a prefix.
type SubLoggerManager struct {
	handler btclogv2.Handler
}

// NewSubLoggerManager creates a manager whose sub-loggers write to stdout
// using the default handler with the given options.
func NewSubLoggerManager(opts ...btclogv2.HandlerOption) *SubLoggerManager {
	return &SubLoggerManager{
		handler: btclogv2.NewDefaultHandler(os.Stdout, opts...),
	}
}

// GenSubLogger returns a logger for the given subsystem tag. The returned
// function matches the signature expected by NewSubLogger.
func (m *SubLoggerManager) GenSubLogger(tag string) btclog.Logger {
	return btclogv2.NewSLogger(m.handler.SubSystem(tag))
}
