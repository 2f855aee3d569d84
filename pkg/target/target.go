// Package target implements the connection to the execution target, an
// emulator that is only reachable through asynchronous messages.
//
// Commands are fire-and-forget: a successful send only means the message
// left the adapter. The target reports state changes later through
// notifications, which are routed to the registered Handler. Queries
// (CPU state, disassembly, memory) carry a request id that the target
// echoes in its reply.
package target

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru"

	"github.com/kcide/kcdap/pkg/image"
	"github.com/kcide/kcdap/pkg/logflags"
	"github.com/kcide/kcdap/pkg/regs"
)

// ErrNotReady is returned by every operation when the target is not
// connected or has not completed the readiness handshake.
var ErrNotReady = errors.New("target not ready")

// Channel is the transport to the target. Send must be safe to call
// concurrently with the reader that feeds Dispatch.
type Channel interface {
	Send(msg []byte) error
	Close() error
}

// Handler receives the notifications of the target.
// Its methods are called from the goroutine that calls Dispatch, except
// Reattached which is called from the goroutine that calls Attach.
type Handler interface {
	// Stopped is called when the target stops executing, reason is the
	// stop reason code sent by the target.
	Stopped(reason int, addr uint16)
	// Continued is called when the target resumes execution.
	Continued()
	// Rebooted is called when the target was rebooted and lost the
	// program.
	Rebooted()
	// ResetOccurred is called when the target was reset and dropped its
	// breakpoints.
	ResetOccurred()
	// Reattached is called when a new channel was attached. The target
	// behind it must complete the readiness handshake before it can be
	// used, and it has no breakpoints.
	Reattached()
}

// Config is the configuration of a Target.
type Config struct {
	// DisassemblyCacheSize is the number of disassembly replies cached
	// between two stops, zero disables the cache.
	DisassemblyCacheSize int
	// VersionConstraint, if not empty, is checked against the version the
	// target reports in the readiness handshake.
	VersionConstraint string
}

type reply struct {
	raw []byte
	err error
}

type pendingRequest struct {
	kind string
	ch   chan reply
}

type disasmKey struct {
	addr          uint16
	offset, count int
}

// Target is the gateway to the execution target.
type Target struct {
	log logflags.Logger

	mu      sync.Mutex
	ch      Channel
	ready   bool
	readyC  chan struct{}
	version string
	handler Handler

	nextReqID int
	pending   map[int]*pendingRequest

	cache *lru.Cache
	// cacheGen is incremented by every purge of the cache, replies of
	// queries that started before a purge are not cached.
	cacheGen   uint64
	constraint *semver.Constraints
}

// New returns a Target without a channel.
func New(cfg Config) (*Target, error) {
	t := &Target{
		log:     logflags.TargetLogger(),
		readyC:  make(chan struct{}),
		pending: make(map[int]*pendingRequest),
	}
	if cfg.DisassemblyCacheSize > 0 {
		cache, err := lru.New(cfg.DisassemblyCacheSize)
		if err != nil {
			return nil, err
		}
		t.cache = cache
	}
	if cfg.VersionConstraint != "" {
		c, err := semver.NewConstraint(cfg.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("invalid target version constraint %q: %v", cfg.VersionConstraint, err)
		}
		t.constraint = c
	}
	return t, nil
}

// SetHandler registers the receiver of the target notifications,
// replacing the previous one. A nil handler discards notifications.
func (t *Target) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Attach makes ch the channel to the target. A previously attached
// channel is closed. The new target must complete the readiness
// handshake before it can be used.
func (t *Target) Attach(ch Channel) {
	t.mu.Lock()
	old := t.ch
	t.ch = ch
	t.resetLocked()
	h := t.handler
	t.mu.Unlock()
	if old != nil && old != ch {
		old.Close()
	}
	t.log.Debug("target attached")
	if h != nil {
		h.Reattached()
	}
}

// Detach removes ch if it is the current channel.
func (t *Target) Detach(ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != ch {
		return
	}
	t.ch = nil
	t.resetLocked()
	t.log.Debug("target detached")
}

// resetLocked drops readiness and fails all outstanding queries.
func (t *Target) resetLocked() {
	if t.ready {
		t.readyC = make(chan struct{})
	}
	t.ready = false
	t.version = ""
	for id, p := range t.pending {
		p.ch <- reply{err: fmt.Errorf("%w: connection lost", ErrNotReady)}
		delete(t.pending, id)
	}
	t.purgeCacheLocked()
}

// Ready returns true if the target completed the readiness handshake.
func (t *Target) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Version returns the version reported by the target, if any.
func (t *Target) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// send encodes and sends a fire-and-forget command.
func (t *Target) send(cmd string, kv ...interface{}) error {
	msg, err := encode(cmd, kv...)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ch, err := t.channelLocked()
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return t.write(ch, cmd, msg)
}

func (t *Target) channelLocked() (Channel, error) {
	if t.ch == nil {
		return nil, fmt.Errorf("%w: no connection", ErrNotReady)
	}
	if !t.ready {
		return nil, ErrNotReady
	}
	return t.ch, nil
}

func (t *Target) write(ch Channel, cmd string, msg []byte) error {
	t.log.Debugf("[-> to target] %s", msg)
	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("could not send %s: %v", cmd, err)
	}
	return nil
}

// Boot cold-starts the target.
func (t *Target) Boot() error { return t.send(cmdBoot) }

// Reset resets the target CPU, the target drops its breakpoints.
func (t *Target) Reset() error { return t.send(cmdReset) }

// Connect tells the target that a debugger is attached.
func (t *Target) Connect() error { return t.send(cmdConnect) }

// Disconnect tells the target that the debugger went away.
func (t *Target) Disconnect() error { return t.send(cmdDisconnect) }

// Pause stops execution.
func (t *Target) Pause() error { return t.send(cmdPause) }

// Continue resumes execution.
func (t *Target) Continue() error { return t.send(cmdContinue) }

// Step executes one instruction, stepping over calls.
func (t *Target) Step() error { return t.send(cmdStep) }

// StepIn executes one instruction, stepping into calls.
func (t *Target) StepIn() error { return t.send(cmdStepIn) }

// UpdateBreakpoints removes and adds breakpoint addresses in one command,
// the target applies the removes first.
func (t *Target) UpdateBreakpoints(remove, add []uint16) error {
	if remove == nil {
		remove = []uint16{}
	}
	if add == nil {
		add = []uint16{}
	}
	return t.send(cmdUpdateBreakpoints, "removeAddrs", remove, "addAddrs", add)
}

// Load transfers img to the target. If start is true the program is
// started at its entry address, and if stopOnEntry is also true the target
// stops before executing the first instruction.
func (t *Target) Load(img *image.Image, start, stopOnEntry bool) error {
	if start {
		if err := img.CheckStart(); err != nil {
			return err
		}
	}
	cmd, field := cmdLoadKCC, "kcc"
	if img.Format == image.PRG {
		cmd, field = cmdLoadPRG, "prg"
	}
	t.purgeCache()
	data := base64.StdEncoding.EncodeToString(img.Data)
	return t.send(cmd, field, data, "start", start, "stopOnEntry", stopOnEntry)
}

// query sends a command that expects a reply of the given kind and waits
// for it.
func (t *Target) query(ctx context.Context, kind, cmd string, kv ...interface{}) ([]byte, error) {
	msg, err := encode(cmd, kv...)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	ch, err := t.channelLocked()
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	t.nextReqID++
	id := t.nextReqID
	p := &pendingRequest{kind: kind, ch: make(chan reply, 1)}
	t.pending[id] = p
	t.mu.Unlock()

	msg, err = stampRequestID(msg, id)
	if err == nil {
		err = t.write(ch, cmd, msg)
	}
	if err != nil {
		t.forget(id)
		return nil, err
	}
	select {
	case r := <-p.ch:
		return r.raw, r.err
	case <-ctx.Done():
		t.forget(id)
		return nil, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
}

func (t *Target) forget(id int) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// CPUState returns the register state of the target CPU.
func (t *Target) CPUState(ctx context.Context) (regs.State, error) {
	raw, err := t.query(ctx, msgCPUState, cmdCPUState)
	if err != nil {
		return nil, err
	}
	return decodeCPUState(raw), nil
}

// Disassemble disassembles count instructions starting offset
// instructions away from addr. The offset can be negative.
func (t *Target) Disassemble(ctx context.Context, addr uint16, offset, count int) ([]DisasmLine, error) {
	key := disasmKey{addr, offset, count}
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			return v.([]DisasmLine), nil
		}
	}
	gen := t.cacheGeneration()
	raw, err := t.query(ctx, msgDisassembly, cmdDisassemble, "addr", addr, "offsetLines", offset, "numLines", count)
	if err != nil {
		return nil, err
	}
	lines, err := decodeDisassembly(raw)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		t.mu.Lock()
		if t.cacheGen == gen {
			t.cache.Add(key, lines)
		}
		t.mu.Unlock()
	}
	return lines, nil
}

func (t *Target) cacheGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cacheGen
}

// ReadMemory reads count bytes starting at addr.
func (t *Target) ReadMemory(ctx context.Context, addr uint16, count int) (Memory, error) {
	raw, err := t.query(ctx, msgMemory, cmdReadMemory, "addr", addr, "numBytes", count)
	if err != nil {
		return Memory{}, err
	}
	return decodeMemory(raw)
}

func (t *Target) purgeCache() {
	t.mu.Lock()
	t.purgeCacheLocked()
	t.mu.Unlock()
}

func (t *Target) purgeCacheLocked() {
	t.cacheGen++
	if t.cache != nil {
		t.cache.Purge()
	}
}

// Dispatch processes a message received from the target.
func (t *Target) Dispatch(raw []byte) error {
	t.log.Debugf("[<- from target] %s", raw)
	tag, id, err := header(raw)
	if err != nil {
		return err
	}
	switch tag {
	case msgStopped:
		reason, addr := decodeStopped(raw)
		t.purgeCache()
		if h := t.getHandler(); h != nil {
			h.Stopped(reason, addr)
		}
	case msgContinued:
		t.purgeCache()
		if h := t.getHandler(); h != nil {
			h.Continued()
		}
	case msgRebooted:
		t.purgeCache()
		if h := t.getHandler(); h != nil {
			h.Rebooted()
		}
	case msgReset:
		t.purgeCache()
		if h := t.getHandler(); h != nil {
			h.ResetOccurred()
		}
	case msgReady:
		t.setReady(decodeReady(raw))
	case msgCPUState, msgDisassembly, msgMemory:
		if !t.resolve(tag, id, raw) {
			t.log.Debugf("dropping unsolicited %s reply (reqId %d)", tag, id)
		}
	default:
		return fmt.Errorf("unknown message %q", tag)
	}
	return nil
}

func (t *Target) getHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Target) setReady(ready bool, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ready || t.ready || t.ch == nil {
		return
	}
	t.ready = true
	t.version = version
	close(t.readyC)
}

// resolve hands a reply to the query waiting for it. Replies without a
// request id go to the most recent query of the same kind.
func (t *Target) resolve(kind string, id int, raw []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == 0 {
		for pid, p := range t.pending {
			if p.kind == kind && pid > id {
				id = pid
			}
		}
	}
	p, ok := t.pending[id]
	if !ok || p.kind != kind {
		return false
	}
	delete(t.pending, id)
	p.ch <- reply{raw: raw}
	return true
}
