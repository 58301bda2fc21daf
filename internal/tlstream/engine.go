package tlstream

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Engine is a TLS state machine decoupled from socket I/O. The caller moves
// ciphertext between the engine and the network and plaintext between the
// engine and the application; the engine never touches a socket.
//
// ReadPlaintext distinguishes three outcomes: (n>0, nil) delivers data,
// (0, nil) means no plaintext is currently available (would block), and
// (0, io.EOF) means the peer closed the session cleanly with close_notify.
type Engine interface {
	// WantsRead reports whether the engine is blocked waiting for ciphertext
	// from the network.
	WantsRead() bool
	// WantsWrite reports whether the engine has ciphertext queued for the network.
	WantsWrite() bool
	// FeedCiphertext hands network bytes to the engine.
	FeedCiphertext(p []byte) (int, error)
	// FeedEOF tells the engine the network read side reached end of stream.
	FeedEOF()
	// TakeCiphertext drains queued ciphertext destined for the network.
	TakeCiphertext(p []byte) int
	// Process blocks until the engine has consumed all fed ciphertext and
	// settled: it is either waiting for more input, has plaintext ready, hit
	// end of stream, or failed.
	Process() error
	// HandshakeComplete reports whether the TLS handshake has finished.
	HandshakeComplete() bool
	ReadPlaintext(p []byte) (int, error)
	WritePlaintext(p []byte) (int, error)
	// CloseNotify queues the TLS close_notify alert for the peer.
	CloseNotify() error
	Close() error
}

// stdEngine adapts crypto/tls to the Engine contract. A pump goroutine runs
// the blocking tls.Conn handshake and read loop against an in-memory net.Conn
// whose buffers are the engine's ciphertext queues.
type stdEngine struct {
	mu   sync.Mutex
	cond *sync.Cond

	tconn *tls.Conn

	inBuf         []byte // ciphertext from network, awaiting the TLS reader
	outBuf        []byte // ciphertext produced by TLS, awaiting the network
	plainBuf      []byte // decrypted application data
	plainEOF      bool   // close_notify processed
	inEOF         bool   // network signalled EOF
	closed        bool
	err           error
	readWaiting   bool // pump blocked on an empty inBuf
	pumpDone      bool
	handshakeDone bool
}

// NewEngine builds a client-side TLS engine for the given server name. A nil
// base config uses sane defaults; ServerName is filled in when absent.
func NewEngine(serverName string, base *tls.Config) Engine {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12} // #nosec G402 -- remaining fields use library defaults.
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	e := &stdEngine{}
	e.cond = sync.NewCond(&e.mu)
	e.tconn = tls.Client(&engineConn{e: e}, cfg)
	go e.pump()
	return e
}

// pump drives the blocking crypto/tls state machine. All of its socket I/O
// lands in the engine buffers via engineConn.
func (e *stdEngine) pump() {
	if err := e.tconn.Handshake(); err != nil {
		e.finish(err)
		return
	}

	e.mu.Lock()
	e.handshakeDone = true
	e.cond.Broadcast()
	e.mu.Unlock()

	buf := make([]byte, 32*1024)
	for {
		n, err := e.tconn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.plainBuf = append(e.plainBuf, buf[:n]...)
			e.cond.Broadcast()
			e.mu.Unlock()
		}
		if err != nil {
			e.finish(err)
			return
		}
	}
}

func (e *stdEngine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case errors.Is(err, io.EOF) && e.handshakeDone:
		e.plainEOF = true
	case e.closed:
		// Teardown races surface as closed-conn errors; the caller already
		// knows the engine is gone.
	case e.err == nil:
		e.err = err
	}
	e.pumpDone = true
	e.cond.Broadcast()
}

func (e *stdEngine) WantsRead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readWaiting && len(e.inBuf) == 0 && !e.inEOF && !e.pumpDone
}

func (e *stdEngine) WantsWrite() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outBuf) > 0
}

func (e *stdEngine) FeedCiphertext(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, net.ErrClosed
	}
	if e.inEOF {
		return 0, errors.New("tlstream: ciphertext after EOF")
	}
	e.inBuf = append(e.inBuf, p...)
	e.cond.Broadcast()
	return len(p), nil
}

func (e *stdEngine) FeedEOF() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inEOF = true
	e.cond.Broadcast()
}

func (e *stdEngine) TakeCiphertext(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := copy(p, e.outBuf)
	e.outBuf = e.outBuf[n:]
	if len(e.outBuf) == 0 {
		e.outBuf = nil
	}
	return n
}

func (e *stdEngine) Process() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cond.Broadcast()
	for {
		if e.err != nil {
			return e.err
		}
		if len(e.inBuf) == 0 && (e.readWaiting || len(e.plainBuf) > 0 || e.plainEOF || e.pumpDone) {
			return nil
		}
		e.cond.Wait()
	}
}

func (e *stdEngine) HandshakeComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handshakeDone
}

func (e *stdEngine) ReadPlaintext(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.plainBuf) > 0 {
		n := copy(p, e.plainBuf)
		e.plainBuf = e.plainBuf[n:]
		if len(e.plainBuf) == 0 {
			e.plainBuf = nil
		}
		return n, nil
	}
	if e.plainEOF {
		return 0, io.EOF
	}
	if e.err != nil {
		return 0, e.err
	}
	return 0, nil
}

func (e *stdEngine) WritePlaintext(p []byte) (int, error) {
	e.mu.Lock()
	if !e.handshakeDone {
		e.mu.Unlock()
		return 0, errors.New("tlstream: write before handshake completion")
	}
	if e.err != nil {
		err := e.err
		e.mu.Unlock()
		return 0, err
	}
	e.mu.Unlock()
	// tls.Conn serialises writers internally; engineConn.Write takes e.mu.
	return e.tconn.Write(p)
}

func (e *stdEngine) CloseNotify() error {
	return e.tconn.CloseWrite()
}

func (e *stdEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	_ = e.tconn.Close()
	return nil
}

// engineConn is the in-memory net.Conn the tls.Conn reads and writes. Reads
// block on the engine's ciphertext input buffer; writes append to the output
// buffer and never block.
type engineConn struct {
	e *stdEngine
}

func (c *engineConn) Read(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.inBuf) == 0 {
		if e.closed {
			return 0, net.ErrClosed
		}
		if e.inEOF {
			return 0, io.EOF
		}
		e.readWaiting = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.readWaiting = false
	n := copy(p, e.inBuf)
	e.inBuf = e.inBuf[n:]
	if len(e.inBuf) == 0 {
		e.inBuf = nil
	}
	e.cond.Broadcast()
	return n, nil
}

func (c *engineConn) Write(p []byte) (int, error) {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, net.ErrClosed
	}
	e.outBuf = append(e.outBuf, p...)
	e.cond.Broadcast()
	return len(p), nil
}

func (c *engineConn) Close() error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

func (c *engineConn) LocalAddr() net.Addr  { return engineAddr{} }
func (c *engineConn) RemoteAddr() net.Addr { return engineAddr{} }

// The engine conn has no kernel buffers; deadlines are enforced by the driver
// on the real socket.
func (c *engineConn) SetDeadline(time.Time) error      { return nil }
func (c *engineConn) SetReadDeadline(time.Time) error  { return nil }
func (c *engineConn) SetWriteDeadline(time.Time) error { return nil }

type engineAddr struct{}

func (engineAddr) Network() string { return "tlstream" }
func (engineAddr) String() string  { return "tlstream" }
