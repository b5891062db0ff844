package session

// Observer receives session notifications on the foreground executor.
type Observer interface {
	OnStateChanged(from, to ChatState)
	OnConnected()
	OnReady()
	OnUnexpectedDisconnect()
	OnRuntimeError(err *RuntimeError)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	StateChanged         func(from, to ChatState)
	Connected            func()
	Ready                func()
	UnexpectedDisconnect func()
	RuntimeError         func(err *RuntimeError)
}

func (f ObserverFuncs) OnStateChanged(from, to ChatState) {
	if f.StateChanged != nil {
		f.StateChanged(from, to)
	}
}

func (f ObserverFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f ObserverFuncs) OnReady() {
	if f.Ready != nil {
		f.Ready()
	}
}

func (f ObserverFuncs) OnUnexpectedDisconnect() {
	if f.UnexpectedDisconnect != nil {
		f.UnexpectedDisconnect()
	}
}

func (f ObserverFuncs) OnRuntimeError(err *RuntimeError) {
	if f.RuntimeError != nil {
		f.RuntimeError(err)
	}
}
