package actuation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// SocketMode selects which side of the TCP connection this process plays.
type SocketMode string

const (
	// Dial connects to a controller that is listening.
	Dial SocketMode = "dial"
	// Listen accepts a single connection from the controller.
	Listen SocketMode = "listen"
)

// SocketConfig configures a SocketTransport.
type SocketConfig struct {
	Address string
	Mode    SocketMode
	Link    LinkConfig
}

// SocketTransport talks to the controller over TCP.
type SocketTransport struct {
	*stream
	cfg SocketConfig

	lmu      sync.Mutex
	listener *listenLoop
}

// NewSocketTransport returns a closed transport; call Open before exchanging.
func NewSocketTransport(cfg SocketConfig) (*SocketTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("socket transport requires an address")
	}
	if cfg.Mode == "" {
		cfg.Mode = Dial
	}
	t := &SocketTransport{cfg: cfg}
	var dial dialFunc
	switch cfg.Mode {
	case Dial:
		dial = t.dial
	case Listen:
		dial = t.accept
	default:
		return nil, fmt.Errorf("unknown socket mode %q", cfg.Mode)
	}
	t.stream = newStream(fmt.Sprintf("tcp-%s:%s", cfg.Mode, cfg.Address), dial, cfg.Link)
	return t, nil
}

func (t *SocketTransport) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Addr returns the bound listen address once a Listen transport has been
// opened, which resolves ":0" style addresses.
func (t *SocketTransport) Addr() net.Addr {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Listen binds the listen socket without waiting for the controller.
func (t *SocketTransport) Listen(ctx context.Context) (net.Addr, error) {
	ln, err := t.ensureListener(ctx)
	if err != nil {
		return nil, err
	}
	return ln.Addr(), nil
}

func (t *SocketTransport) ensureListener(ctx context.Context) (*listenLoop, error) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener != nil {
		return t.listener, nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return nil, err
	}
	t.listener = newListenLoop(ln)
	return t.listener, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// listenLoop owns a listen socket and a single accept goroutine. The socket
// stays bound until close, so the controller can redial the same port after a
// dropped connection.
type listenLoop struct {
	ln       net.Listener
	accepted chan acceptResult
	done     chan struct{}
	once     sync.Once
}

func newListenLoop(ln net.Listener) *listenLoop {
	l := &listenLoop{
		ln:       ln,
		accepted: make(chan acceptResult),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *listenLoop) Addr() net.Addr { return l.ln.Addr() }

func (l *listenLoop) run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case l.accepted <- acceptResult{err: err}:
			case <-l.done:
				return
			}
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		select {
		case l.accepted <- acceptResult{conn: conn}:
		case <-l.done:
			_ = conn.Close()
			return
		}
	}
}

// wait blocks for the next accepted connection. Cancelling ctx abandons the
// wait and leaves the socket bound.
func (l *listenLoop) wait(ctx context.Context) (net.Conn, error) {
	select {
	case r := <-l.accepted:
		return r.conn, r.err
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listenLoop) close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

func (t *SocketTransport) accept(ctx context.Context) (io.ReadWriteCloser, error) {
	l, err := t.ensureListener(ctx)
	if err != nil {
		return nil, err
	}
	return l.wait(ctx)
}

func (t *SocketTransport) closeListener() error {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if t.listener == nil {
		return nil
	}
	err := t.listener.close()
	t.listener = nil
	return err
}

// Close closes the active connection and any listen socket.
func (t *SocketTransport) Close() error {
	lerr := t.closeListener()
	if err := t.stream.Close(); err != nil {
		return err
	}
	return lerr
}
