package hub

// Kind identifies the transport backing a listener.
type Kind string

const (
	// KindStream is a server-push event stream listener.
	KindStream Kind = "stream"
	// KindSocket is a bidirectional WebSocket listener.
	KindSocket Kind = "socket"
)

// Listener is one connected sink. The hub owns it from Register until
// Deregister; the transport adapter only drains Messages and watches Done.
type Listener struct {
	id   string
	kind Kind
	addr string

	send chan []byte
	done chan struct{}

	// closed is guarded by the owning hub's mutex.
	closed bool
}

func newListener(id string, kind Kind, addr string, queueSize int) *Listener {
	return &Listener{
		id:   id,
		kind: kind,
		addr: addr,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// ID returns the listener's connection identity.
func (l *Listener) ID() string { return l.id }

// Kind returns the transport kind of the listener.
func (l *Listener) Kind() Kind { return l.kind }

// Addr returns the remote address the listener connected from.
func (l *Listener) Addr() string { return l.addr }

// Messages returns the outbound queue. It is closed on deregistration after
// all previously queued payloads, so a drain loop sees every accepted
// message before it observes the close.
func (l *Listener) Messages() <-chan []byte { return l.send }

// Done is closed when the listener is deregistered.
func (l *Listener) Done() <-chan struct{} { return l.done }

// offer enqueues payload without blocking. Callers hold at least the hub's
// read lock, which keeps close from racing the send.
func (l *Listener) offer(payload []byte) error {
	if l.closed {
		return ErrClosed
	}
	select {
	case l.send <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// close is called with the hub's write lock held.
func (l *Listener) close() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.send)
	close(l.done)
}
