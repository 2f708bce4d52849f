package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - failed authoritative commits and subscription errors
//     - presence initialization/cleanup exhausting its retries
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (verbose level 2):
//     key events for trace debugging and statistics
//     this includes:
//     - key state transitions with shape/user ids that can be used to filter
//     - frequent events - e.g. cursor emit, reconcile, flush - which should be
//       summarized rather than logged per data point where possible

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
