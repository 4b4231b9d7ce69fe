package peer

// TransportEvents are the callbacks a Transport reports through. They may be
// invoked from any goroutine.
type TransportEvents struct {
	// OnSignal delivers the local offer or answer once it is complete.
	OnSignal func(Signal)
	// OnConnect fires when the data channel is open.
	OnConnect func()
	OnData    func([]byte)
	OnClose   func()
	OnError   func(error)
}

// Transport is one direct connection attempt to the counterpart.
type Transport interface {
	// Signal feeds the counterpart's offer or answer.
	Signal(sig Signal) error
	Send(data []byte) error
	Close() error
}

// TransportFactory starts negotiation. The initiator produces an offer on
// its own; the responder produces an answer after receiving one.
type TransportFactory func(initiator bool, events TransportEvents) (Transport, error)
