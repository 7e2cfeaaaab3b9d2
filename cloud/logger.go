package cloud

import "log"

// Logf receives the engine's progress lines ([SCC], [SEARCH], [FETCH] and
// friends). Output goes to the standard logger until SetLogger swaps it.
var Logf func(format string, v ...any) = log.Printf

func discard(string, ...any) {}

// SetLogger routes engine output to f. A nil f silences the engine.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = discard
	}
	Logf = f
}
