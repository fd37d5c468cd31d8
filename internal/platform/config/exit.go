package config

import (
	"fmt"
	"os"
)

// Exitf prints a fatal startup error to stderr and terminates the
// process with a non-zero status. Intended for main funcs only.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
