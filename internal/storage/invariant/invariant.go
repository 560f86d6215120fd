// Package invariant guards programmer-error conditions that the error-kind
// taxonomy in errs does not cover: contract violations that indicate a bug
// in the caller rather than an input-dependent failure, and so abort rather
// than return an error (spec: "Internal invariant breaches ... are
// programmer errors and abort").
package invariant

import "fmt"

// Assertf panics with a formatted message if cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
