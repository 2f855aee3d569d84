// Package daptest provides a sample client with utilities
// for DAP mode testing.
package daptest

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/go-dap"
)

// Client is a DAP client used to test the kcdap DAP server.
// All client methods are synchronous.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	// seq is used to track the sequence number of each
	// requests that the client sends to the server
	seq int
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(t testing.TB, addr string) *Client {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("dialing:", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), seq: 1}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) send(request dap.Message) {
	dap.WriteProtocolMessage(c.conn, request)
}

// ReadRaw reads the next message without decoding it.
func (c *Client) ReadRaw(t testing.TB) []byte {
	t.Helper()
	content, err := dap.ReadBaseMessage(c.reader)
	if err != nil {
		t.Fatal(err)
	}
	return content
}

// ExpectMessage reads and decodes the next message. Messages go-dap does
// not know, like the openDisassembly event, fail the test.
func (c *Client) ExpectMessage(t testing.TB) dap.Message {
	t.Helper()
	raw := c.ReadRaw(t)
	m, err := dap.DecodeProtocolMessage(raw)
	if err != nil {
		t.Fatalf("%v: %s", err, raw)
	}
	return m
}

func expect[T dap.Message](t testing.TB, c *Client) T {
	t.Helper()
	m := c.ExpectMessage(t)
	r, ok := m.(T)
	if !ok {
		var want T
		t.Fatalf("got %#v, want %T", m, want)
	}
	return r
}

func (c *Client) ExpectErrorResponse(t testing.TB) *dap.ErrorResponse {
	t.Helper()
	return expect[*dap.ErrorResponse](t, c)
}

// ExpectErrorResponseWith reads an error response and checks its id.
func (c *Client) ExpectErrorResponseWith(t testing.TB, id int) *dap.ErrorResponse {
	t.Helper()
	er := c.ExpectErrorResponse(t)
	if er.Body.Error == nil || er.Body.Error.Id != id {
		t.Errorf("got %#v, want error id %d", er.Body.Error, id)
	}
	return er
}

func (c *Client) ExpectInitializeResponse(t testing.TB) *dap.InitializeResponse {
	t.Helper()
	initResp := expect[*dap.InitializeResponse](t, c)
	if !initResp.Body.SupportsConfigurationDoneRequest {
		t.Errorf("got %#v, want SupportsConfigurationDoneRequest=true", initResp)
	}
	return initResp
}

func (c *Client) ExpectInitializedEvent(t testing.TB) *dap.InitializedEvent {
	t.Helper()
	return expect[*dap.InitializedEvent](t, c)
}

func (c *Client) ExpectLaunchResponse(t testing.TB) *dap.LaunchResponse {
	t.Helper()
	return expect[*dap.LaunchResponse](t, c)
}

func (c *Client) ExpectAttachResponse(t testing.TB) *dap.AttachResponse {
	t.Helper()
	return expect[*dap.AttachResponse](t, c)
}

func (c *Client) ExpectDisconnectResponse(t testing.TB) *dap.DisconnectResponse {
	t.Helper()
	return expect[*dap.DisconnectResponse](t, c)
}

func (c *Client) ExpectTerminatedEvent(t testing.TB) *dap.TerminatedEvent {
	t.Helper()
	return expect[*dap.TerminatedEvent](t, c)
}

func (c *Client) ExpectStoppedEvent(t testing.TB) *dap.StoppedEvent {
	t.Helper()
	return expect[*dap.StoppedEvent](t, c)
}

func (c *Client) ExpectContinuedEvent(t testing.TB) *dap.ContinuedEvent {
	t.Helper()
	return expect[*dap.ContinuedEvent](t, c)
}

func (c *Client) ExpectOutputEvent(t testing.TB) *dap.OutputEvent {
	t.Helper()
	return expect[*dap.OutputEvent](t, c)
}

func (c *Client) ExpectBreakpointEvent(t testing.TB) *dap.BreakpointEvent {
	t.Helper()
	return expect[*dap.BreakpointEvent](t, c)
}

func (c *Client) ExpectSetBreakpointsResponse(t testing.TB) *dap.SetBreakpointsResponse {
	t.Helper()
	return expect[*dap.SetBreakpointsResponse](t, c)
}

func (c *Client) ExpectSetInstructionBreakpointsResponse(t testing.TB) *dap.SetInstructionBreakpointsResponse {
	t.Helper()
	return expect[*dap.SetInstructionBreakpointsResponse](t, c)
}

func (c *Client) ExpectSetExceptionBreakpointsResponse(t testing.TB) *dap.SetExceptionBreakpointsResponse {
	t.Helper()
	return expect[*dap.SetExceptionBreakpointsResponse](t, c)
}

func (c *Client) ExpectConfigurationDoneResponse(t testing.TB) *dap.ConfigurationDoneResponse {
	t.Helper()
	return expect[*dap.ConfigurationDoneResponse](t, c)
}

func (c *Client) ExpectContinueResponse(t testing.TB) *dap.ContinueResponse {
	t.Helper()
	return expect[*dap.ContinueResponse](t, c)
}

func (c *Client) ExpectNextResponse(t testing.TB) *dap.NextResponse {
	t.Helper()
	return expect[*dap.NextResponse](t, c)
}

func (c *Client) ExpectStepInResponse(t testing.TB) *dap.StepInResponse {
	t.Helper()
	return expect[*dap.StepInResponse](t, c)
}

func (c *Client) ExpectStepOutResponse(t testing.TB) *dap.StepOutResponse {
	t.Helper()
	return expect[*dap.StepOutResponse](t, c)
}

func (c *Client) ExpectPauseResponse(t testing.TB) *dap.PauseResponse {
	t.Helper()
	return expect[*dap.PauseResponse](t, c)
}

func (c *Client) ExpectThreadsResponse(t testing.TB) *dap.ThreadsResponse {
	t.Helper()
	return expect[*dap.ThreadsResponse](t, c)
}

func (c *Client) ExpectStackTraceResponse(t testing.TB) *dap.StackTraceResponse {
	t.Helper()
	return expect[*dap.StackTraceResponse](t, c)
}

func (c *Client) ExpectScopesResponse(t testing.TB) *dap.ScopesResponse {
	t.Helper()
	return expect[*dap.ScopesResponse](t, c)
}

func (c *Client) ExpectVariablesResponse(t testing.TB) *dap.VariablesResponse {
	t.Helper()
	return expect[*dap.VariablesResponse](t, c)
}

func (c *Client) ExpectEvaluateResponse(t testing.TB) *dap.EvaluateResponse {
	t.Helper()
	return expect[*dap.EvaluateResponse](t, c)
}

func (c *Client) ExpectCompletionsResponse(t testing.TB) *dap.CompletionsResponse {
	t.Helper()
	return expect[*dap.CompletionsResponse](t, c)
}

func (c *Client) ExpectDisassembleResponse(t testing.TB) *dap.DisassembleResponse {
	t.Helper()
	return expect[*dap.DisassembleResponse](t, c)
}

func (c *Client) ExpectReadMemoryResponse(t testing.TB) *dap.ReadMemoryResponse {
	t.Helper()
	return expect[*dap.ReadMemoryResponse](t, c)
}

// OpenDisassemblyEvent is the event kcdap sends to show the disassembly
// view at Address.
type OpenDisassemblyEvent struct {
	dap.Event
	Body struct {
		Address string `json:"address"`
	} `json:"body"`
}

// ExpectOpenDisassemblyEvent reads the next message and checks that it is
// the openDisassembly event.
func (c *Client) ExpectOpenDisassemblyEvent(t testing.TB) *OpenDisassemblyEvent {
	t.Helper()
	raw := c.ReadRaw(t)
	e := &OpenDisassemblyEvent{}
	if err := json.Unmarshal(raw, e); err != nil {
		t.Fatal(err)
	}
	if e.Type != "event" || e.Event.Event != "kcdap.openDisassembly" {
		t.Fatalf("got %s, want openDisassembly event", raw)
	}
	return e
}

// InitializeRequest sends an 'initialize' request.
func (c *Client) InitializeRequest() {
	request := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	request.Arguments = dap.InitializeRequestArguments{
		AdapterID:            "kcdap",
		PathFormat:           "path",
		LinesStartAt1:        true,
		ColumnsStartAt1:      true,
		SupportsVariableType: true,
		Locale:               "en-us",
	}
	c.send(request)
}

// LaunchRequest sends a 'launch' request with the specified args.
func (c *Client) LaunchRequest(args map[string]interface{}) {
	request := &dap.LaunchRequest{Request: *c.newRequest("launch")}
	request.Arguments = toRawMessage(args)
	c.send(request)
}

// AttachRequest sends an 'attach' request with the specified args.
func (c *Client) AttachRequest(args map[string]interface{}) {
	request := &dap.AttachRequest{Request: *c.newRequest("attach")}
	request.Arguments = toRawMessage(args)
	c.send(request)
}

// DisconnectRequest sends a 'disconnect' request.
func (c *Client) DisconnectRequest() {
	request := &dap.DisconnectRequest{Request: *c.newRequest("disconnect")}
	c.send(request)
}

// SetBreakpointsRequest sends a 'setBreakpoints' request.
func (c *Client) SetBreakpointsRequest(file string, lines []int) {
	request := &dap.SetBreakpointsRequest{Request: *c.newRequest("setBreakpoints")}
	request.Arguments = dap.SetBreakpointsArguments{
		Source: dap.Source{
			Name: filepath.Base(file),
			Path: file,
		},
		Breakpoints: make([]dap.SourceBreakpoint, len(lines)),
	}
	for i, l := range lines {
		request.Arguments.Breakpoints[i].Line = l
	}
	c.send(request)
}

// SetInstructionBreakpointsRequest sends a 'setInstructionBreakpoints'
// request with one breakpoint per reference, at offset 0.
func (c *Client) SetInstructionBreakpointsRequest(refs []string) {
	request := &dap.SetInstructionBreakpointsRequest{Request: *c.newRequest("setInstructionBreakpoints")}
	request.Arguments.Breakpoints = make([]dap.InstructionBreakpoint, len(refs))
	for i, ref := range refs {
		request.Arguments.Breakpoints[i].InstructionReference = ref
	}
	c.send(request)
}

// SetExceptionBreakpointsRequest sends a 'setExceptionBreakpoints' request.
func (c *Client) SetExceptionBreakpointsRequest() {
	request := &dap.SetExceptionBreakpointsRequest{Request: *c.newRequest("setExceptionBreakpoints")}
	request.Arguments.Filters = []string{}
	c.send(request)
}

// ConfigurationDoneRequest sends a 'configurationDone' request.
func (c *Client) ConfigurationDoneRequest() {
	request := &dap.ConfigurationDoneRequest{Request: *c.newRequest("configurationDone")}
	c.send(request)
}

// ContinueRequest sends a 'continue' request.
func (c *Client) ContinueRequest(thread int) {
	request := &dap.ContinueRequest{Request: *c.newRequest("continue")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// NextRequest sends a 'next' request.
func (c *Client) NextRequest(thread int) {
	request := &dap.NextRequest{Request: *c.newRequest("next")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// StepInRequest sends a 'stepIn' request.
func (c *Client) StepInRequest(thread int) {
	request := &dap.StepInRequest{Request: *c.newRequest("stepIn")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// StepOutRequest sends a 'stepOut' request.
func (c *Client) StepOutRequest(thread int) {
	request := &dap.StepOutRequest{Request: *c.newRequest("stepOut")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// PauseRequest sends a 'pause' request.
func (c *Client) PauseRequest(thread int) {
	request := &dap.PauseRequest{Request: *c.newRequest("pause")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// ThreadsRequest sends a 'threads' request.
func (c *Client) ThreadsRequest() {
	request := &dap.ThreadsRequest{Request: *c.newRequest("threads")}
	c.send(request)
}

// StackTraceRequest sends a 'stackTrace' request.
func (c *Client) StackTraceRequest(thread, startFrame, levels int) {
	request := &dap.StackTraceRequest{Request: *c.newRequest("stackTrace")}
	request.Arguments.ThreadId = thread
	request.Arguments.StartFrame = startFrame
	request.Arguments.Levels = levels
	c.send(request)
}

// ScopesRequest sends a 'scopes' request.
func (c *Client) ScopesRequest(frameID int) {
	request := &dap.ScopesRequest{Request: *c.newRequest("scopes")}
	request.Arguments.FrameId = frameID
	c.send(request)
}

// VariablesRequest sends a 'variables' request.
func (c *Client) VariablesRequest(variablesReference int) {
	request := &dap.VariablesRequest{Request: *c.newRequest("variables")}
	request.Arguments.VariablesReference = variablesReference
	c.send(request)
}

// EvaluateRequest sends an 'evaluate' request.
func (c *Client) EvaluateRequest(expr string, fid int, context string) {
	request := &dap.EvaluateRequest{Request: *c.newRequest("evaluate")}
	request.Arguments.Expression = expr
	request.Arguments.FrameId = fid
	request.Arguments.Context = context
	c.send(request)
}

// CompletionsRequest sends a 'completions' request.
func (c *Client) CompletionsRequest(text string, column int) {
	request := &dap.CompletionsRequest{Request: *c.newRequest("completions")}
	request.Arguments.Text = text
	request.Arguments.Column = column
	c.send(request)
}

// DisassembleRequest sends a 'disassemble' request.
func (c *Client) DisassembleRequest(memoryReference string, offset, instructionOffset, instructionCount int) {
	request := &dap.DisassembleRequest{Request: *c.newRequest("disassemble")}
	request.Arguments = dap.DisassembleArguments{
		MemoryReference:   memoryReference,
		Offset:            offset,
		InstructionOffset: instructionOffset,
		InstructionCount:  instructionCount,
	}
	c.send(request)
}

// ReadMemoryRequest sends a 'readMemory' request.
func (c *Client) ReadMemoryRequest(memoryReference string, offset, count int) {
	request := &dap.ReadMemoryRequest{Request: *c.newRequest("readMemory")}
	request.Arguments.MemoryReference = memoryReference
	request.Arguments.Offset = offset
	request.Arguments.Count = count
	c.send(request)
}

// StepBackRequest sends a 'stepBack' request.
func (c *Client) StepBackRequest() {
	request := &dap.StepBackRequest{Request: *c.newRequest("stepBack")}
	c.send(request)
}

// UnknownRequest triggers dap.DecodeProtocolMessageFieldError.
func (c *Client) UnknownRequest() {
	request := c.newRequest("unknown")
	c.send(request)
}

func (c *Client) newRequest(command string) *dap.Request {
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	request.Seq = c.seq
	c.seq++
	return request
}

func toRawMessage(in interface{}) json.RawMessage {
	out, _ := json.Marshal(in)
	return out
}
