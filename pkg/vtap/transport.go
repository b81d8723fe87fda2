package vtap

// AppTransport is the process-facing side of one virtual socket. The tap
// calls it from the engine context, so no method may block.
type AppTransport interface {
	// Send takes up to len(p) stream bytes and reports how many it kept.
	Send(p []byte) (int, error)
	// SendMsg takes one framed datagram whole or not at all.
	SendMsg(msg []byte) error
	// SetNotifyWritable asks the transport to call VirtualTap.Read once the
	// application has made room.
	SetNotifyWritable(on bool)
	// SetNotifyReadable tells the application whether Write is worth retrying.
	SetNotifyReadable(on bool)
	// CloseWrite marks end of stream after everything already sent.
	CloseWrite()
	Abort(err error)
}

// TransportFactory builds the transport for a socket at creation or accept.
type TransportFactory func(t *VirtualTap, s *VirtualSocket) AppTransport

// nullTransport discards everything, for sockets nobody reads from.
type nullTransport struct{}

func (nullTransport) Send(p []byte) (int, error) { return len(p), nil }
func (nullTransport) SendMsg([]byte) error       { return nil }
func (nullTransport) SetNotifyWritable(bool)     {}
func (nullTransport) SetNotifyReadable(bool)     {}
func (nullTransport) CloseWrite()                {}
func (nullTransport) Abort(error)                {}
