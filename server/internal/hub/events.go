package hub

import "github.com/kvhub/kvhub/server/internal/rpc"

// Event is reported to Options.Observer. The observer may be called from
// several goroutines and must not block.
type Event interface{ hubEvent() }

// Listening is reported once the listener is bound.
type Listening struct{ Addr string }

// Stopped is reported when Stop has finished.
type Stopped struct{}

type Accepted struct {
	SessionID  uint64
	RemoteAddr string
}

type ConnectionClosed struct {
	SessionID  uint64
	RemoteAddr string
}

type Identified struct {
	SessionID uint64
	Name      string
}

type RPCRegistered struct {
	SessionID uint64
	Name      string
}

type RPCUnregistered struct {
	SessionID uint64
	Name      string
}

// ClientError reports a routing failure caused by a client request, such
// as a call to an unregistered procedure.
type ClientError struct {
	SessionID uint64
	Err       error
	Call      rpc.Call
}

// SessionError reports a transport or framing fault of one session.
type SessionError struct {
	SessionID uint64
	Err       error
}

// InfoRequested asks the application for the "#info" payload. Respond
// sends it to the requesting session.
type InfoRequested struct {
	SessionID  uint64
	RemoteAddr string
	Respond    func(v any)
}

// Error reports a listener fault. The hub stops accepting connections.
type Error struct{ Err error }

func (Listening) hubEvent()        {}
func (Stopped) hubEvent()          {}
func (Accepted) hubEvent()         {}
func (ConnectionClosed) hubEvent() {}
func (Identified) hubEvent()       {}
func (RPCRegistered) hubEvent()    {}
func (RPCUnregistered) hubEvent()  {}
func (ClientError) hubEvent()      {}
func (SessionError) hubEvent()     {}
func (InfoRequested) hubEvent()    {}
func (Error) hubEvent()            {}
