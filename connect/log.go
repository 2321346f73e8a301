package connect

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `connect` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle data that is useful for monitoring
//     this includes:
//     - connect and auth failures, transport drops
//     - writes swallowed because the room document was already destroyed
// Warning:
//     redundant operations that were ignored, e.g. create or join while already in a room
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// V(1):
//     room lifecycle: create, join, leave, hydrate or seed decisions
// V(2):
//     per change traffic: local->shared and shared->local propagation, ws send and receive

type LogFunction func(string, ...any)

// a tagged logger that writes when glog verbosity is at least `level`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
