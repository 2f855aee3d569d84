package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// DefaultReadyInterval is the time between two readiness probes.
const DefaultReadyInterval = 100 * time.Millisecond

// ErrVersionMismatch is returned by WaitReady when the version reported by
// the target does not satisfy the configured constraint.
var ErrVersionMismatch = errors.New("unsupported target version")

// probe sends a readiness probe. It is the only command that can be sent
// to a target that is not ready.
func (t *Target) probe() error {
	msg, err := encode(cmdReady)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: no connection", ErrNotReady)
	}
	return t.write(ch, cmdReady, msg)
}

// WaitReady probes the target every interval until it reports that it is
// ready or ctx is done. A target that connects while WaitReady is running
// is probed at the next attempt.
func (t *Target) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		ready, readyC := t.ready, t.readyC
		t.mu.Unlock()
		if ready {
			return t.checkVersion()
		}
		if err := t.probe(); err != nil {
			t.log.Debugf("readiness probe failed: %v", err)
		}
		select {
		case <-readyC:
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		}
	}
}

func (t *Target) checkVersion() error {
	if t.constraint == nil {
		return nil
	}
	v := t.Version()
	if v == "" {
		t.log.Debug("target did not report a version")
		return nil
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionMismatch, v, err)
	}
	if !t.constraint.Check(sv) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrVersionMismatch, v, t.constraint)
	}
	return nil
}
