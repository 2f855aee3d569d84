package service

import (
	"net"
	"time"

	"github.com/kcide/kcdap/pkg/target"
)

// Config provides the configuration to start a debug session and expose
// it with a service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// Target is the gateway to the emulator. The server does not own it,
	// the caller attaches and detaches emulator connections.
	Target *target.Target

	// ReadyTimeout bounds the readiness handshake run at launch,
	// ReadyInterval is the time between two probes.
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration

	// QueryTimeout bounds the wait for replies to register, disassembly
	// and memory queries.
	QueryTimeout time.Duration

	// MapPathPrefix is stripped from the paths found in the address map.
	MapPathPrefix string

	// AutoOpenDisassembly makes the server ask the client to open the
	// disassembly view when execution stops outside of mapped source.
	AutoOpenDisassembly bool

	// Aliases for the debug console commands, by command name.
	Aliases map[string][]string

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
