package logflags

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func resetComponents() {
	for _, c := range components {
		c.enabled = false
	}
	Close()
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name    string
		logFlag bool
		logstr  string
		enabled []string
		wantErr bool
	}{
		{"disabled", false, "", nil, false},
		{"output without log", false, "dap", nil, true},
		{"default", true, "", []string{"dap"}, false},
		{"list", true, "target, session", []string{"target", "session"}, false},
		{"unknown", true, "dap,gdbwire", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer resetComponents()
			err := Setup(tt.logFlag, tt.logstr, "")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Setup(%v, %q) error = %v, wantErr %v", tt.logFlag, tt.logstr, err, tt.wantErr)
			}
			for _, c := range components {
				want := false
				for _, name := range tt.enabled {
					want = want || name == c.name
				}
				if Enabled(c.name) != want {
					t.Errorf("Enabled(%q) = %v, want %v", c.name, !want, want)
				}
			}
		})
	}
}

func TestComponentLevel(t *testing.T) {
	defer resetComponents()
	if err := Setup(true, "target", ""); err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		name   string
		logger Logger
		level  logrus.Level
		layer  string
	}{
		{"dap", DAPLogger(), logrus.ErrorLevel, "dap"},
		{"target", TargetLogger(), logrus.DebugLevel, "target"},
		{"session", SessionLogger(), logrus.ErrorLevel, "dap"},
	} {
		l, ok := tt.logger.(*logrusLogger)
		if !ok {
			t.Fatalf("%s: unexpected logger type %T", tt.name, tt.logger)
		}
		if l.Logger.Level != tt.level {
			t.Errorf("%s: level = %v, want %v", tt.name, l.Logger.Level, tt.level)
		}
		if l.Data["layer"] != tt.layer {
			t.Errorf("%s: layer = %v, want %v", tt.name, l.Data["layer"], tt.layer)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(logrus.DebugLevel, Fields{"layer": "target"}, &buf)
	if l.Logger.Formatter != plainFormatter {
		t.Errorf("formatter = %v, want the plain formatter", l.Logger.Formatter)
	}
	l.WithField("cmd", "step").Debugf("sent")
	l.WithError(os.ErrClosed).Error("send failed")
	out := buf.String()
	for _, want := range []string{"layer=target", "cmd=step", "msg=sent", "send failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestLogDest(t *testing.T) {
	defer resetComponents()
	dest := filepath.Join(t.TempDir(), "kcdap.log")
	if err := Setup(true, "session", dest); err != nil {
		t.Fatal(err)
	}
	SessionLogger().Debugf("hello")
	TargetLogger().Debugf("dropped")
	Close()
	buf, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), "hello") || !strings.Contains(string(buf), "kind=session") {
		t.Errorf("unexpected log contents <%s>", buf)
	}
	if strings.Contains(string(buf), "dropped") {
		t.Errorf("disabled component was logged <%s>", buf)
	}
}

func TestComponents(t *testing.T) {
	help := Components()
	for _, c := range components {
		if !strings.Contains(help, c.name) || !strings.Contains(help, c.help) {
			t.Errorf("help text lacks component %q:\n%s", c.name, help)
		}
	}
}
