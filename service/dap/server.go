// Package dap implements VSCode's Debug Adapter Protocol (DAP) for the
// kcdap emulator gateway. The frontend starts kcdap in dap mode listening
// on a port and communicating over TCP, the emulator connects to the
// target gateway independently.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/kcide/kcdap/pkg/addrmap"
	"github.com/kcide/kcdap/pkg/breakpoints"
	"github.com/kcide/kcdap/pkg/config"
	"github.com/kcide/kcdap/pkg/image"
	"github.com/kcide/kcdap/pkg/logflags"
	"github.com/kcide/kcdap/pkg/regs"
	"github.com/kcide/kcdap/pkg/target"
	"github.com/kcide/kcdap/pkg/version"
	"github.com/kcide/kcdap/service"
)

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via the following goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and dispatches each request from the client.
// (3) Handler goroutines for requests that wait for the emulator, so that
// a slow reply never blocks the read loop.
// (4) The goroutine of the target gateway that delivers emulator
// notifications to the session.
type Server struct {
	// config is all the information necessary to start the session.
	config *Config
	// listener is used to accept the client connection.
	listener net.Listener
	// stopOnce guards Stop.
	stopOnce sync.Once
	// mu guards session.
	mu sync.Mutex
	// session is the current debug session, nil before a client connects.
	session *Session
}

// Config is the server configuration plus the internal state shared by
// the server and its session.
type Config struct {
	*service.Config

	// log is used for structured logging of the DAP traffic.
	log logflags.Logger

	// StopTriggered is closed when the server is Stop()-ed.
	// Goroutines of the server and the session use it to tell shutdown
	// errors from real ones.
	StopTriggered chan struct{}

	disconnectOnce sync.Once
}

// triggerServerStop closes DisconnectChan if not nil, which signals that
// the client disconnected or there was a client connection failure.
// Since the server services only one client, this can be used as a
// signal to the entire server via Stop(). It can be called multiple
// times and from multiple goroutines.
func (c *Config) triggerServerStop() {
	c.disconnectOnce.Do(func() {
		if c.DisconnectChan != nil {
			close(c.DisconnectChan)
		}
	})
}

const (
	// threadID is the id of the only thread, the CPU of the emulator.
	threadID = 1

	// memDumpDefault is the number of bytes the mem command shows if no
	// count is given.
	memDumpDefault = 64
)

// Stop reason codes sent by the emulator.
const (
	stopPause      = 1
	stopBreakpoint = 2
	stopStep       = 3
	stopEntry      = 4
	stopExit       = 5
)

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateConfiguring
	stateRunning
	stateStopped
	stateTerminated
)

func (st sessionState) String() string {
	switch st {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateConfiguring:
		return "configuring"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("sessionState(%d)", int(st))
}

// cursor is the address the CPU stopped at. It is valid after the first
// stop notification and never cleared.
type cursor struct {
	valid bool
	addr  uint16
}

// sessionArgs tracks settings that impact the handling of requests. They
// are initialized from the server config and the launch arguments and can
// be changed with the config command of the debug console.
type sessionArgs struct {
	StopOnEntry         bool          `cfgName:"stopOnEntry"`
	AutoOpenDisassembly bool          `cfgName:"autoOpenDisassembly"`
	QueryTimeout        time.Duration `cfgName:"queryTimeout"`
	MemDumpCount        int           `cfgName:"memDumpCount"`
}

// Session is an abstraction for serving and shutting down a DAP debug
// session with a pre-connected client.
type Session struct {
	config *Config

	// conn is the accepted client connection.
	conn net.Conn
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// log is used for structured logging of the session.
	log logflags.Logger
	// target is the gateway to the emulator.
	target *target.Target

	// sendMu serializes the writes to conn and guards seq.
	sendMu sync.Mutex
	seq    int

	// ctx is cancelled when the session ends, it bounds the readiness
	// handshake and the queries to the emulator.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below.
	mu       sync.Mutex
	state    sessionState
	noDebug  bool
	registry *breakpoints.Registry
	loc      *locator
	program  *image.Image
	cursor   cursor
	// disasmShown is set when the disassembly view was opened for the
	// current stop.
	disasmShown bool
	// frameRefs holds the frame ids of the current stop.
	frameRefs *refTable[cpuScope]
	// scopeRefs holds the variables references of the current stop.
	scopeRefs *refTable[cpuScope]

	args         sessionArgs
	cmds         *commands
	watcher      *fileWatcher
	disconnected bool

	// configDone is closed by the configurationDone and disconnect
	// requests, launch waits on it before loading the program.
	configDone     chan struct{}
	configDoneOnce sync.Once
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	if config.Listener != nil {
		logger.Debugf("DAP server listening at: %s", config.Listener.Addr())
	}
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config: &Config{
			Config:        config,
			log:           logger,
			StopTriggered: make(chan struct{}),
		},
		listener: config.Listener,
	}
}

// Stop stops the DAP server, closes the listener and the client
// connection. The emulator is told that the debugger went away. Stop can
// be called more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.config.log.Debug("DAP server stopping...")
		close(s.config.StopTriggered)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()
		if session != nil {
			session.Close()
		}
		s.config.log.Debug("DAP server stopped")
	})
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The emulator is not contacted until launch/attach request is received.
func (s *Server) Run() {
	if s.listener == nil {
		s.config.log.Error("misconfigured server: no Listener is provided.")
		return
	}
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.config.StopTriggered:
			default:
				s.config.log.Errorf("Error accepting client connection: %s\n", err)
				s.config.triggerServerStop()
			}
			return
		}
		s.runSession(conn)
	}()
}

func (s *Server) runSession(conn net.Conn) {
	s.mu.Lock()
	select {
	case <-s.config.StopTriggered:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.session = NewSession(conn, s.config)
	s.mu.Unlock()
	s.session.ServeDAPCodec()
}

// NewSession creates a new client session that can handle DAP traffic.
// It takes an open connection and provides a Close() method to shut it
// down when the DAP session disconnects or a connection error occurs.
func NewSession(conn net.Conn, config *Config) *Session {
	if config.log == nil {
		config.log = logflags.DAPLogger()
	}
	if config.StopTriggered == nil {
		config.StopTriggered = make(chan struct{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:    config,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		log:       logflags.SessionLogger(),
		target:    config.Target,
		ctx:       ctx,
		cancel:    cancel,
		registry:  breakpoints.New(nil),
		loc:       &locator{},
		frameRefs: newRefTable[cpuScope](),
		scopeRefs: newRefTable[cpuScope](),
		args: sessionArgs{
			AutoOpenDisassembly: config.AutoOpenDisassembly,
			QueryTimeout:        config.queryTimeout(),
			MemDumpCount:        memDumpDefault,
		},
		configDone: make(chan struct{}),
	}
	s.cmds = newCommands(s, config.Aliases)
	return s
}

func (c *Config) queryTimeout() time.Duration {
	return durationOr(c.QueryTimeout, config.DefaultQueryTimeout)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close ends the session: the client connection is closed, a pending
// launch is released and the emulator notifications are no longer
// delivered to the session. Close can be called more than once.
func (s *Session) Close() {
	s.cancel()
	s.closeConfigDone()
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	launched := !s.disconnected && s.state > stateInitialized && s.state != stateTerminated
	s.disconnected = true
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if s.target != nil {
		s.target.SetHandler(nil)
		if launched {
			if err := s.target.Disconnect(); err != nil {
				s.log.Debugf("could not notify the emulator: %v", err)
			}
		}
	}
	// Unless Close() was called after ServeDAPCodec()
	// returned, this will result in closed connection error
	// on next read, breaking out of the read loop and
	// allowing the run goroutine to exit.
	_ = s.conn.Close()
}

func (s *Session) closeConfigDone() {
	s.configDoneOnce.Do(func() {
		close(s.configDone)
	})
}

// ServeDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// a disconnect signal and returns.
func (s *Session) ServeDAPCodec() {
	defer s.Close()
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			select {
			case <-s.config.StopTriggered:
			default:
				if err != io.EOF { // EOF means client closed connection
					var decodeErr *dap.DecodeProtocolMessageFieldError
					if errors.As(err, &decodeErr) {
						// Send an error response to the users if we were unable to process the message.
						s.sendInternalErrorResponse(decodeErr.Seq, err.Error())
						continue
					}
					s.config.log.Error("DAP error: ", err)
				}
				s.config.triggerServerStop()
			}
			return
		}
		s.handleRequest(request)
	}
}

// recoverPanic turns a panic of a request handler into an internal
// error response back to the client.
func (s *Session) recoverPanic(request dap.Message) {
	if ierr := recover(); ierr != nil {
		s.config.log.Errorf("recovered panic: %s", ierr)
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
	}
}

// runAsync runs the handler of a request that waits for the emulator in
// its own goroutine.
func (s *Session) runAsync(request dap.Message, handler func()) {
	go func() {
		defer s.recoverPanic(request)
		handler()
	}()
}

func (s *Session) handleRequest(request dap.Message) {
	defer s.recoverPanic(request)

	jsonmsg, _ := json.Marshal(request)
	s.config.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		// Required
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		// Required
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		// Required
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		// Required
		s.onDisconnectRequest(request)
	case *dap.SetBreakpointsRequest:
		// Required
		s.onSetBreakpointsRequest(request)
	case *dap.SetInstructionBreakpointsRequest:
		// Optional (capability 'supportsInstructionBreakpoints')
		s.onSetInstructionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// Optional (capability 'exceptionBreakpointFilters')
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		// Optional (capability 'supportsConfigurationDoneRequest')
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		// Required
		s.onContinueRequest(request)
	case *dap.NextRequest:
		// Required
		s.onNextRequest(request)
	case *dap.StepInRequest:
		// Required
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		// Required
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		// Required
		s.onPauseRequest(request)
	case *dap.ThreadsRequest:
		// Required
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		// Required
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		// Required
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		// Required
		s.runAsync(request, func() { s.onVariablesRequest(request) })
	case *dap.EvaluateRequest:
		// Required
		s.runAsync(request, func() { s.onEvaluateRequest(request) })
	case *dap.DisassembleRequest:
		// Optional (capability 'supportsDisassembleRequest')
		s.runAsync(request, func() { s.onDisassembleRequest(request) })
	case *dap.ReadMemoryRequest:
		// Optional (capability 'supportsReadMemoryRequest')
		s.runAsync(request, func() { s.onReadMemoryRequest(request) })
	case *dap.CompletionsRequest:
		// Optional (capability 'supportsCompletionsRequest')
		s.onCompletionsRequest(request)
	case dap.RequestMessage:
		// This is a DAP request that go-dap has a struct for, but
		// that has no meaning for an emulator: stepping back, data
		// breakpoints, goto targets, modules, etc.
		s.sendUnsupportedErrorResponse(*request.GetRequest())
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

// send stamps message with the next sequence number and writes it to the
// client.
func (s *Session) send(message dap.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.seq++
	switch m := message.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = s.seq
	case dap.EventMessage:
		m.GetEvent().Seq = s.seq
	}
	jsonmsg, _ := json.Marshal(message)
	s.config.log.Debug("[-> to client]", string(jsonmsg))
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.config.log.Debug(err)
	}
}

// logToConsole writes msg to the debug console of the client.
func (s *Session) logToConsole(msg string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body: dap.OutputEventBody{
			Output:   msg + "\n",
			Category: "console",
		}})
}

func (s *Session) onInitializeRequest(request *dap.InitializeRequest) {
	s.mu.Lock()
	if s.state != stateUninitialized {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to initialize", "debug session already initialized")
		return
	}
	s.state = stateInitialized
	s.mu.Unlock()

	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsInstructionBreakpoints = true
	response.Body.SupportsDisassembleRequest = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsCompletionsRequest = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsSteppingGranularity = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetVariable = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsConditionalBreakpoints = false
	s.send(response)
}

func (s *Session) onLaunchRequest(request *dap.LaunchRequest) {
	var args LaunchConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch", fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	s.startSession(request.Request, FailedToLaunch, "Failed to launch", args, func() {
		s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
	})
}

// onAttachRequest handles 'attach' requests. The emulator is always
// running already, attaching behaves exactly like launching.
func (s *Session) onAttachRequest(request *dap.AttachRequest) {
	var args AttachConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToAttach, "Failed to attach", fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	s.startSession(request.Request, FailedToAttach, "Failed to attach", args, func() {
		s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
	})
}

// launchPlan is the validated result of the launch arguments.
type launchPlan struct {
	program string
	mapFile string
	root    string
	img     *image.Image
	amap    *addrmap.Map
}

// prepareLaunch resolves the paths of the launch arguments and reads the
// program image and the address map.
func (s *Session) prepareLaunch(args LaunchConfig) (*launchPlan, error) {
	if args.Program == "" {
		return nil, errors.New("the program attribute is missing in debug configuration")
	}
	abs := func(path string) (string, error) {
		if !filepath.IsAbs(path) && args.Cwd != "" {
			path = filepath.Join(args.Cwd, path)
		}
		return filepath.Abs(path)
	}
	p := &launchPlan{}
	var err error
	if p.program, err = abs(args.Program); err != nil {
		return nil, err
	}
	mapFile := args.MapFile
	if mapFile == "" {
		mapFile = strings.TrimSuffix(args.Program, filepath.Ext(args.Program)) + ".map"
	}
	if p.mapFile, err = abs(mapFile); err != nil {
		return nil, err
	}
	p.root = args.Cwd
	if p.root == "" {
		p.root = filepath.Dir(p.mapFile)
	}

	if p.img, err = image.Open(p.program); err != nil {
		return nil, err
	}
	if err := p.img.CheckStart(); err != nil {
		return nil, fmt.Errorf("%s: %v", p.program, err)
	}
	if args.NoDebug {
		return p, nil
	}
	prefix := s.config.MapPathPrefix
	if args.MapPathPrefix != nil {
		prefix = *args.MapPathPrefix
	}
	if p.amap, err = addrmap.Load(p.mapFile, prefix); err != nil {
		return nil, err
	}
	return p, nil
}

// startSession runs the launch sequence shared by launch and attach:
// configuration checks, readiness handshake with the emulator, the
// configuration phase and finally the transfer of the program. It
// returns immediately, the sequence runs in its own goroutine because it
// waits for the emulator and for the configurationDone request.
func (s *Session) startSession(request dap.Request, errID int, summary string, args LaunchConfig, respond func()) {
	s.mu.Lock()
	if s.state != stateInitialized {
		state := s.state
		s.mu.Unlock()
		s.sendShowUserErrorResponse(request, errID, summary, fmt.Sprintf("debug session is %s", state))
		return
	}
	s.state = stateConfiguring
	s.mu.Unlock()

	fail := func(details string) {
		s.mu.Lock()
		s.state = stateTerminated
		disconnected := s.disconnected
		s.mu.Unlock()
		if disconnected {
			return
		}
		s.sendShowUserErrorResponse(request, errID, summary, details)
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}

	s.runAsync(&request, func() {
		plan, err := s.prepareLaunch(args)
		if err != nil {
			fail(err.Error())
			return
		}
		s.log.Infof("loading %s", plan.img)

		ctx, cancel := context.WithTimeout(s.ctx, durationOr(s.config.ReadyTimeout, config.DefaultReadyTimeout))
		err = s.target.WaitReady(ctx, durationOr(s.config.ReadyInterval, target.DefaultReadyInterval))
		cancel()
		if err != nil {
			fail(fmt.Sprintf("emulator is not ready: %v", err))
			return
		}
		s.log.Debugf("kcdap %s, emulator version %q", version.KcdapVersion.Short(), s.target.Version())
		s.target.SetHandler(s)
		if err := s.target.Connect(); err != nil {
			fail(err.Error())
			return
		}

		s.mu.Lock()
		s.noDebug = args.NoDebug
		s.registry = breakpoints.New(plan.amap)
		s.loc = &locator{amap: plan.amap, root: plan.root}
		s.program = plan.img
		s.args.StopOnEntry = args.StopOnEntry
		s.mu.Unlock()
		s.watch(plan)

		// Notify the client that the emulator is ready to start accepting
		// configuration requests for setting breakpoints, etc. The client
		// will end the configuration sequence with 'configurationDone'.
		s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})

		select {
		case <-s.configDone:
		case <-s.ctx.Done():
		}
		s.mu.Lock()
		disconnected := s.disconnected || s.ctx.Err() != nil
		stopOnEntry := s.args.StopOnEntry
		s.mu.Unlock()
		if disconnected {
			return
		}

		if err := s.target.Load(plan.img, true, stopOnEntry); err != nil {
			fail(err.Error())
			return
		}
		s.mu.Lock()
		if s.state == stateConfiguring {
			s.state = stateRunning
		}
		s.mu.Unlock()
		respond()
	})
}

// watch reports changes of the program image and the address map to the
// debug console. They are only read at launch.
func (s *Session) watch(plan *launchPlan) {
	files := []string{plan.program}
	if plan.amap != nil {
		files = append(files, plan.mapFile)
	}
	w, err := newFileWatcher(s.log, func(path string) {
		s.logToConsole(fmt.Sprintf("%s changed on disk, restart the debug session to use it", path))
	}, files...)
	if err != nil {
		s.log.Debugf("could not watch program files: %v", err)
		return
	}
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		w.Close()
		return
	}
	s.watcher = w
	s.mu.Unlock()
}

// onDisconnectRequest handles the DisconnectRequest. Per the DAP spec,
// it disconnects the debuggee and signals that the debug adapter
// (in our case this TCP server) can be terminated. The emulator keeps
// running the program. Disconnect always succeeds.
func (s *Session) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.mu.Lock()
	first := !s.disconnected
	launched := s.state > stateInitialized && s.state != stateTerminated
	s.disconnected = true
	s.state = stateTerminated
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	s.closeConfigDone()
	s.cancel()
	if first {
		s.target.SetHandler(nil)
		if launched {
			if err := s.target.Disconnect(); err != nil {
				s.log.Debugf("could not notify the emulator: %v", err)
			}
		}
		if w != nil {
			w.Close()
		}
	}
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.config.triggerServerStop()
}

func (s *Session) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	path := request.Arguments.Source.Path
	if path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", "empty file path")
		return
	}
	var lines []int
	if request.Arguments.Breakpoints != nil {
		lines = make([]int, len(request.Arguments.Breakpoints))
		for i, bp := range request.Arguments.Breakpoints {
			lines[i] = bp.Line
		}
	} else {
		lines = request.Arguments.Lines
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	update := s.registry.ReplaceSource(path, s.loc.relativePath(path), lines)
	if !update.Empty() {
		if err := s.target.UpdateBreakpoints(update.Removed(), update.Added()); err != nil {
			s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", err.Error())
			return
		}
	}
	update.Commit()

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(update.Source()))
	for i, bp := range update.Source() {
		response.Body.Breakpoints[i] = s.sourceBreakpoint(bp)
	}
	s.send(response)
}

func (s *Session) sourceBreakpoint(bp *breakpoints.SourceBreakpoint) dap.Breakpoint {
	b := dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified,
		Line:     bp.Line,
		Source:   &dap.Source{Name: filepath.Base(bp.Path), Path: bp.Path},
	}
	switch {
	case bp.Verified:
		b.InstructionReference = formatAddr(bp.Addr)
	case s.noDebug:
		b.Message = "breakpoints are disabled (noDebug)"
	default:
		b.Message = "no code at this line"
	}
	return b
}

func (s *Session) onSetInstructionBreakpointsRequest(request *dap.SetInstructionBreakpointsRequest) {
	refs := make([]breakpoints.InstructionRef, len(request.Arguments.Breakpoints))
	for i, bp := range request.Arguments.Breakpoints {
		refs[i] = breakpoints.InstructionRef{Reference: bp.InstructionReference, Offset: bp.Offset}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	response := &dap.SetInstructionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(refs))
	if s.noDebug {
		for i, ref := range refs {
			response.Body.Breakpoints[i] = dap.Breakpoint{
				InstructionReference: ref.Reference,
				Offset:               ref.Offset,
				Message:              "breakpoints are disabled (noDebug)",
			}
		}
		s.send(response)
		return
	}

	update := s.registry.ReplaceInstruction(refs)
	if !update.Empty() {
		if err := s.target.UpdateBreakpoints(update.Removed(), update.Added()); err != nil {
			s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", err.Error())
			return
		}
	}
	update.Commit()
	for i, bp := range update.Instruction() {
		response.Body.Breakpoints[i] = s.instructionBreakpoint(bp)
	}
	s.send(response)
}

func (s *Session) instructionBreakpoint(bp *breakpoints.InstructionBreakpoint) dap.Breakpoint {
	b := dap.Breakpoint{
		Id:                   bp.ID,
		Verified:             bp.Verified,
		Message:              bp.Message,
		InstructionReference: bp.Reference,
		Offset:               bp.Offset,
	}
	if bp.Location != nil {
		b.Source = s.loc.source(*bp.Location)
		b.Line = bp.Location.Line
	}
	return b
}

func (s *Session) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

// onConfigurationDoneRequest releases the pending launch, which loads and
// starts the program.
func (s *Session) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.closeConfigDone()
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
}

// The execution requests only send a command to the emulator. The session
// state changes when the emulator reports that it stopped or continued.

func (s *Session) onContinueRequest(request *dap.ContinueRequest) {
	if err := s.target.Continue(); err != nil {
		s.sendErrorResponse(request.Request, UnableToContinue, "Unable to continue", err.Error())
		return
	}
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true}})
}

func (s *Session) onNextRequest(request *dap.NextRequest) {
	if err := s.target.Step(); err != nil {
		s.sendErrorResponse(request.Request, UnableToStep, "Unable to step", err.Error())
		return
	}
	s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
}

func (s *Session) onStepInRequest(request *dap.StepInRequest) {
	if err := s.target.StepIn(); err != nil {
		s.sendErrorResponse(request.Request, UnableToStep, "Unable to step", err.Error())
		return
	}
	s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
}

// onStepOutRequest steps a single instruction, the emulator has no notion
// of the call stack.
func (s *Session) onStepOutRequest(request *dap.StepOutRequest) {
	if err := s.target.Step(); err != nil {
		s.sendErrorResponse(request.Request, UnableToStep, "Unable to step", err.Error())
		return
	}
	s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)})
	s.logToConsole("step out is not supported by the emulator, stepped over one instruction instead")
}

func (s *Session) onPauseRequest(request *dap.PauseRequest) {
	if err := s.target.Pause(); err != nil {
		s.sendErrorResponse(request.Request, UnableToHalt, "Unable to halt execution", err.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
}

// onThreadsRequest reports the CPU as the only thread. Per the DAP spec,
// even if a debug adapter does not support multiple threads, it must
// implement the threads request and return a single thread.
func (s *Session) onThreadsRequest(request *dap.ThreadsRequest) {
	s.send(&dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: "CPU"}}},
	})
}

// onStackTraceRequest handles 'stackTrace' requests.
// There is a single frame at the address the CPU stopped at, the
// emulator does not unwind the stack.
func (s *Session) onStackTraceRequest(request *dap.StackTraceRequest) {
	s.mu.Lock()
	cur := s.cursor
	if !cur.valid {
		s.mu.Unlock()
		s.send(&dap.StackTraceResponse{
			Response: *newResponse(request.Request),
			Body:     dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{}},
		})
		return
	}
	frame := dap.StackFrame{
		Id:                          s.frameRefs.add(cpuScope{addr: cur.addr}),
		Name:                        formatAddr(cur.addr),
		InstructionPointerReference: formatAddr(cur.addr),
	}
	openDisasm := false
	if loc, ok := s.loc.resolve(cur.addr); ok {
		frame.Source = s.loc.source(loc)
		frame.Line = loc.Line
	} else {
		frame.Source = unknownSource()
		frame.PresentationHint = "subtle"
		openDisasm = s.args.AutoOpenDisassembly && !s.disasmShown
		s.disasmShown = s.disasmShown || openDisasm
	}
	s.mu.Unlock()

	frames := []dap.StackFrame{frame}
	if request.Arguments.StartFrame > 0 {
		frames = frames[min(request.Arguments.StartFrame, len(frames)):]
	}
	s.send(&dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: 1},
	})
	if openDisasm {
		s.openDisassembly(cur.addr)
	}
}

// onScopesRequest handles 'scopes' requests. The only scope of a frame is
// the register set of the CPU.
func (s *Session) onScopesRequest(request *dap.ScopesRequest) {
	s.mu.Lock()
	sf, ok := s.frameRefs.lookup(request.Arguments.FrameId)
	if !ok {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list registers", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	ref := s.scopeRefs.add(sf)
	s.mu.Unlock()

	s.send(&dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body: dap.ScopesResponseBody{Scopes: []dap.Scope{
			{Name: "CPU", PresentationHint: "registers", VariablesReference: ref},
		}},
	})
}

// queryContext returns the context for a query to the emulator.
func (s *Session) queryContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	timeout := s.args.QueryTimeout
	s.mu.Unlock()
	return context.WithTimeout(s.ctx, durationOr(timeout, config.DefaultQueryTimeout))
}

func (s *Session) cpuState() (regs.State, error) {
	ctx, cancel := s.queryContext()
	defer cancel()
	return s.target.CPUState(ctx)
}

// onVariablesRequest handles 'variables' requests. The registers are
// fetched from the emulator every time.
func (s *Session) onVariablesRequest(request *dap.VariablesRequest) {
	s.mu.Lock()
	_, ok := s.scopeRefs.lookup(request.Arguments.VariablesReference)
	s.mu.Unlock()
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	state, err := s.cpuState()
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list registers", err.Error())
		return
	}
	registers := regs.Format(state)
	variables := make([]dap.Variable, len(registers))
	for i, r := range registers {
		variables[i] = dap.Variable{Name: r.Name, Value: r.Value, Type: r.Type, EvaluateName: r.Name}
	}
	s.send(&dap.VariablesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.VariablesResponseBody{Variables: variables},
	})
}

// onEvaluateRequest handles 'evalute' requests. Input of the debug
// console is run as a command, the other contexts look up registers.
func (s *Session) onEvaluateRequest(request *dap.EvaluateRequest) {
	expr := strings.TrimSpace(request.Arguments.Expression)
	if request.Arguments.Context == "repl" {
		out, err := s.cmds.call(expr)
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error())
			return
		}
		s.send(&dap.EvaluateResponse{
			Response: *newResponse(request.Request),
			Body:     dap.EvaluateResponseBody{Result: strings.TrimRight(out, "\n")},
		})
		return
	}

	state, err := s.cpuState()
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error())
		return
	}
	for _, r := range regs.Format(state) {
		if strings.EqualFold(r.Name, expr) {
			s.send(&dap.EvaluateResponse{
				Response: *newResponse(request.Request),
				Body:     dap.EvaluateResponseBody{Result: r.Value, Type: r.Type},
			})
			return
		}
	}
	s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", fmt.Sprintf("unknown register %q", expr))
}

// onCompletionsRequest completes debug console command names.
func (s *Session) onCompletionsRequest(request *dap.CompletionsRequest) {
	text := request.Arguments.Text
	if col := request.Arguments.Column - 1; col >= 0 && col < len(text) {
		text = text[:col]
	}
	targets := []dap.CompletionItem{}
	if !strings.ContainsAny(text, " \t") {
		for _, name := range s.cmds.complete(text) {
			targets = append(targets, dap.CompletionItem{Label: name, Text: name, Type: "function"})
		}
	}
	s.send(&dap.CompletionsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.CompletionsResponseBody{Targets: targets},
	})
}

// onDisassembleRequest handles 'disassemble' requests. The instructions
// are anchored at memoryReference plus offset, instructionOffset and
// instructionCount are forwarded to the emulator.
func (s *Session) onDisassembleRequest(request *dap.DisassembleRequest) {
	base, err := addrmap.ParseAddress(request.Arguments.MemoryReference)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToDisassemble, "Unable to disassemble", err.Error())
		return
	}
	anchor := wrapAddr(base, request.Arguments.Offset)
	response := &dap.DisassembleResponse{Response: *newResponse(request.Request)}
	response.Body.Instructions = []dap.DisassembledInstruction{}
	if request.Arguments.InstructionCount <= 0 {
		s.send(response)
		return
	}

	ctx, cancel := s.queryContext()
	defer cancel()
	lines, err := s.target.Disassemble(ctx, anchor, request.Arguments.InstructionOffset, request.Arguments.InstructionCount)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToDisassemble, "Unable to disassemble", err.Error())
		return
	}

	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	for _, line := range lines {
		instr := dap.DisassembledInstruction{
			Address:          formatAddr(line.Addr),
			InstructionBytes: formatBytes(line.Bytes),
			Instruction:      line.Text,
		}
		if l, ok := loc.resolve(line.Addr); ok {
			instr.Location = loc.source(l)
			instr.Line = l.Line
		}
		response.Body.Instructions = append(response.Body.Instructions, instr)
	}
	s.send(response)
}

// onReadMemoryRequest handles 'readMemory' requests. Reads do not wrap
// around the end of the address space, the bytes beyond it are reported
// as unreadable.
func (s *Session) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	base, err := addrmap.ParseAddress(request.Arguments.MemoryReference)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
		return
	}
	addr := wrapAddr(base, request.Arguments.Offset)
	count := request.Arguments.Count
	if count < 0 {
		count = 0
	}
	unreadable := 0
	if end := int(addr) + count; end > 0x10000 {
		unreadable = end - 0x10000
		count -= unreadable
	}

	response := &dap.ReadMemoryResponse{Response: *newResponse(request.Request)}
	response.Body.Address = formatAddr(addr)
	response.Body.UnreadableBytes = unreadable
	if count > 0 {
		ctx, cancel := s.queryContext()
		defer cancel()
		mem, err := s.target.ReadMemory(ctx, addr, count)
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
			return
		}
		response.Body.Data = mem.Data
	}
	s.send(response)
}

// Target notifications, called by the gateway.

// Stopped implements target.Handler.
func (s *Session) Stopped(reason int, addr uint16) {
	s.mu.Lock()
	s.cursor = cursor{valid: true, addr: addr}
	s.frameRefs.clear()
	s.scopeRefs.clear()
	s.disasmShown = false
	var hit []int
	if reason == stopBreakpoint {
		hit = s.registry.Lookup(addr)
	}
	if reason == stopExit {
		s.state = stateTerminated
	} else {
		s.state = stateStopped
	}
	s.mu.Unlock()

	if reason == stopExit {
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		return
	}
	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = stopReason(reason)
	e.Body.ThreadId = threadID
	e.Body.AllThreadsStopped = true
	e.Body.HitBreakpointIds = hit
	s.send(e)
}

func stopReason(reason int) string {
	switch reason {
	case stopPause:
		return "pause"
	case stopBreakpoint:
		return "breakpoint"
	case stopEntry:
		return "entry"
	default:
		return "step"
	}
}

// Continued implements target.Handler.
func (s *Session) Continued() {
	s.mu.Lock()
	if s.state == stateStopped {
		s.state = stateRunning
	}
	s.mu.Unlock()
	s.send(&dap.ContinuedEvent{
		Event: *newEvent("continued"),
		Body:  dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
	})
}

// Rebooted implements target.Handler. The program is gone with the
// reboot, which ends the session.
func (s *Session) Rebooted() {
	s.mu.Lock()
	s.state = stateTerminated
	s.mu.Unlock()
	s.log.Info("emulator rebooted")
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

// ResetOccurred implements target.Handler. The emulator dropped its
// breakpoints, they are installed again.
func (s *Session) ResetOccurred() {
	s.mu.Lock()
	defer s.mu.Unlock()
	installed := s.registry.Installed()
	if len(installed) == 0 {
		return
	}
	err := s.target.UpdateBreakpoints(nil, installed)
	if err == nil {
		return
	}
	s.log.Errorf("could not restore breakpoints after reset: %v", err)
	for _, bp := range s.registry.All() {
		var b dap.Breakpoint
		switch bp := bp.(type) {
		case *breakpoints.SourceBreakpoint:
			if !bp.Verified {
				continue
			}
			b = s.sourceBreakpoint(bp)
		case *breakpoints.InstructionBreakpoint:
			if !bp.Verified {
				continue
			}
			b = s.instructionBreakpoint(bp)
		}
		b.Verified = false
		b.Message = "breakpoint lost after emulator reset"
		s.send(&dap.BreakpointEvent{
			Event: *newEvent("breakpoint"),
			Body:  dap.BreakpointEventBody{Reason: "changed", Breakpoint: b},
		})
	}
}

// Reattached implements target.Handler. The emulator connected again,
// usually because its page was reloaded. Once the new emulator is ready
// the debugger is announced and the installed breakpoints are sent again.
// The session terminates if that fails.
func (s *Session) Reattached() {
	s.mu.Lock()
	if s.disconnected || s.state == stateTerminated {
		s.mu.Unlock()
		return
	}
	if s.state == stateStopped {
		s.state = stateRunning
	}
	s.cursor = cursor{}
	s.frameRefs.clear()
	s.scopeRefs.clear()
	s.mu.Unlock()
	s.log.Info("emulator reconnected")
	go s.restoreTarget()
}

func (s *Session) restoreTarget() {
	ctx, cancel := context.WithTimeout(s.ctx, durationOr(s.config.ReadyTimeout, config.DefaultReadyTimeout))
	err := s.target.WaitReady(ctx, durationOr(s.config.ReadyInterval, target.DefaultReadyInterval))
	cancel()
	if err == nil {
		err = s.target.Connect()
	}
	if err == nil {
		s.mu.Lock()
		installed := s.registry.Installed()
		if len(installed) > 0 {
			err = s.target.UpdateBreakpoints(nil, installed)
		}
		s.mu.Unlock()
	}
	if err == nil {
		s.log.Debugf("emulator version %q restored", s.target.Version())
		return
	}

	s.mu.Lock()
	if s.disconnected || s.ctx.Err() != nil || s.state == stateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = stateTerminated
	s.mu.Unlock()
	s.log.Errorf("could not restore the emulator: %v", err)
	s.logToConsole(fmt.Sprintf("Emulator lost: %v", err))
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (s *Session) sendErrorResponseWithOpts(request dap.Request, id int, summary, details string, showUser bool) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: showUser,
	}
	s.config.log.Debug(er.Body.Error.Format)
	s.send(er)
}

// sendShowUserErrorResponse sends an error response that is shown to the
// user in a popup.
func (s *Session) sendShowUserErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, true)
}

func (s *Session) sendErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, false)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Session) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.config.log.Debug(er.Body.Error.Format)
	s.send(er)
}

func (s *Session) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process %q request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
