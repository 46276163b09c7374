package chanactor

import (
	"github.com/btcsuite/btclog"

	"github.com/nayutafoundry/chandler/build"
)

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger("ACTR", nil))
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info. This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// logClosure defers an expensive string construction until the logging
// backend actually asks for it, so trace-level dumps cost nothing when the
// level is off.
type logClosure func() string

// String invokes the closure and returns its result, satisfying
// fmt.Stringer for the logging system.
func (c logClosure) String() string {
	return c()
}

// newLogClosure wraps a string-producing function into a logClosure.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
