package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
)

// component is a part of kcdap that can be selected with --log-output.
type component struct {
	name    string
	help    string
	fields  Fields
	enabled bool
}

var (
	dapComponent     = &component{name: "dap", help: "Log all DAP messages", fields: Fields{"layer": "dap"}}
	targetComponent  = &component{name: "target", help: "Log all messages exchanged with the emulator", fields: Fields{"layer": "target"}}
	sessionComponent = &component{name: "session", help: "Log debug session events", fields: Fields{"layer": "dap", "kind": "session"}}
)

var components = []*component{dapComponent, targetComponent, sessionComponent}

var logOut io.WriteCloser

// logger returns a logger for c. Disabled components only log errors.
func (c *component) logger() Logger {
	level := logrus.ErrorLevel
	if c.enabled {
		level = logrus.DebugLevel
	}
	var out io.Writer
	if logOut != nil {
		out = logOut
	}
	return newLogger(level, c.fields, out)
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return dapComponent.logger()
}

// TargetLogger returns a logger for the emulator connection.
func TargetLogger() Logger {
	return targetComponent.logger()
}

// SessionLogger returns a logger for the debug session.
func SessionLogger() Logger {
	return sessionComponent.logger()
}

// Enabled reports whether the named component produces debug output.
func Enabled(name string) bool {
	for _, c := range components {
		if c.name == name {
			return c.enabled
		}
	}
	return false
}

// Components returns the table of the components accepted by --log-output,
// for use in help texts.
func Components() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 8, 2, ' ', 0)
	for _, c := range components {
		fmt.Fprintf(w, "\t%s\t%s\n", c.name, c.help)
	}
	w.Flush()
	return sb.String()
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup enables the components listed in logstr, dap when it is empty.
// If logDest is not empty logs will be written to the file descriptor or
// file path it names.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = dapComponent.name
	}
	enable := map[string]bool{}
	for _, name := range strings.Split(logstr, ",") {
		name = strings.TrimSpace(name)
		if !componentExists(name) {
			return fmt.Errorf("unknown log component %q (see 'kcdap help log')", name)
		}
		enable[name] = true
	}
	if logDest != "" {
		if n, err := strconv.Atoi(logDest); err == nil {
			logOut = os.NewFile(uintptr(n), "kcdap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	for _, c := range components {
		c.enabled = enable[c.name]
	}
	return nil
}

func componentExists(name string) bool {
	for _, c := range components {
		if c.name == name {
			return true
		}
	}
	return false
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
