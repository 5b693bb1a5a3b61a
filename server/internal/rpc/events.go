package rpc

// Event describes one call transition. The concrete types are Dispatched,
// Completed, NotRegistered, TimedOut and Dropped.
type Event interface{ rpcEvent() }

type Dispatched struct {
	Call     Call
	Provider uint64
}

type Completed struct{ Call Call }

type NotRegistered struct{ Call Call }

type TimedOut struct{ Call Call }

type Dropped struct{ Call Call }

func (Dispatched) rpcEvent()    {}
func (Completed) rpcEvent()     {}
func (NotRegistered) rpcEvent() {}
func (TimedOut) rpcEvent()      {}
func (Dropped) rpcEvent()       {}
