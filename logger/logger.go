// Package logger wires up go-logging backends shared by every subsystem.
package logger

import (
	"os"
	"sync"

	"github.com/op/go-logging"
)

var (
	setupOnce sync.Once
	verbosity = logging.WARNING
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{module} %{level:s}%{color:reset} ▶ %{message}`,
)

func install() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(verbosity, "")
	logging.SetBackend(leveled)
}

// Configure installs the stderr backend. Verbose maps to DEBUG, otherwise
// only warnings and errors are emitted.
func Configure(verbose bool) {
	if verbose {
		verbosity = logging.DEBUG
	} else {
		verbosity = logging.WARNING
	}
	install()
}

// New returns the named module logger, installing the default backend on
// first use so tests and library consumers are not flooded with debug output.
func New(module string) *logging.Logger {
	setupOnce.Do(install)
	return logging.MustGetLogger(module)
}
