package zbus

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Maximum message size permitted by the D-Bus specification.
const maxMessageSize = 1 << 27

// RawConn owns the authenticated socket and speaks framed messages over it.
// Exactly one task reads; writers enqueue into an outgoing buffer and flush
// under the connection's raw mutex. All methods on the write path must only
// be called with that mutex held via Send/Close; the read path is lock-free
// because it has a single caller.
type RawConn struct {
	conn      net.Conn
	unixConn  *net.UnixConn
	capUnixFD bool

	rd *bufio.Reader
	// inBuf holds bytes received together with ancillary data, ahead of
	// whatever is still buffered in rd.
	inBuf  []byte
	inFds  []int
	outMu  sync.Mutex
	out    bytes.Buffer
	outFds []int

	activity *activityMonitor

	closeMu sync.Mutex
	closed  bool
}

// newRawConn wraps an authenticated socket. rd is the reader used during the
// handshake so that nothing buffered is lost.
func newRawConn(conn net.Conn, rd *bufio.Reader, capUnixFD bool) *RawConn {
	r := &RawConn{
		conn:      conn,
		rd:        rd,
		capUnixFD: capUnixFD,
		activity:  newActivityMonitor(),
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		r.unixConn = uc
	}
	return r
}

// ReceiveMessage blocks until the next fully framed message arrives. It must
// only be called from the connection's single receiver task. A *ProtocolError
// leaves the stream positioned at the next frame; any other error is fatal.
func (r *RawConn) ReceiveMessage() (*Message, error) {
	fixed, err := r.read(minHeaderSize)
	if err != nil {
		return nil, err
	}

	var order func([]byte) uint32
	switch fixed[0] {
	case 'l':
		order = func(b []byte) uint32 {
			return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		}
	case 'B':
		order = func(b []byte) uint32 {
			return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
		}
	default:
		// Without a byte order the frame length is unknown, so the stream
		// can not be resynchronized: fatal.
		return nil, fmt.Errorf("zbus: unknown endianness marker %q", fixed[0])
	}

	bodyLen := int(order(fixed[4:8]))
	fieldsLen := int(order(fixed[12:16]))
	total := alignUp(minHeaderSize+fieldsLen, 8) + bodyLen
	if total > maxMessageSize {
		// The rest of the frame is never read, so this is fatal too.
		return nil, fmt.Errorf("zbus: message of %d bytes exceeds maximum size", total)
	}

	rest, err := r.read(total - minHeaderSize)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, total)
	copy(frame, fixed)
	copy(frame[minHeaderSize:], rest)

	m, err := unmarshalMessage(frame)
	if err != nil {
		return nil, err
	}
	if m.numFds > 0 {
		if uint32(len(r.inFds)) < m.numFds {
			return nil, protocolErr("message announces %d fds, %d received", m.numFds, len(r.inFds))
		}
		m.Fds = r.inFds[:m.numFds:m.numFds]
		r.inFds = r.inFds[m.numFds:]
	}
	r.activity.notify()
	return m, nil
}

// read returns exactly n bytes, preferring data that arrived alongside
// ancillary fd payloads over the plain buffered reader.
func (r *RawConn) read(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if len(r.inBuf) > 0 {
			take := n - len(out)
			if take > len(r.inBuf) {
				take = len(r.inBuf)
			}
			out = append(out, r.inBuf[:take]...)
			r.inBuf = r.inBuf[take:]
			continue
		}
		if r.rd.Buffered() > 0 || r.unixConn == nil || !r.capUnixFD {
			chunk := make([]byte, n-len(out))
			read, err := r.rd.Read(chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk[:read]...)
			continue
		}
		if err := r.fillUnix(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fillUnix reads a chunk together with any SCM_RIGHTS payload.
func (r *RawConn) fillUnix() error {
	data := make([]byte, 4096)
	oob := make([]byte, 1024)
	n, oobn, _, _, err := r.unixConn.ReadMsgUnix(data, oob)
	if err != nil {
		return err
	}
	if n == 0 && oobn == 0 {
		return io.EOF
	}
	r.inBuf = append(r.inBuf, data[:n]...)
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return protocolErr("parsing control message: %v", err)
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			r.inFds = append(r.inFds, fds...)
		}
	}
	return nil
}

// Send marshals, enqueues and flushes a message. The serial must already be
// assigned. The raw mutex is held only across the memory copy and the write.
func (r *RawConn) Send(m *Message) error {
	data, err := marshalMessage(m)
	if err != nil {
		return err
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.out.Write(data)
	r.outFds = append(r.outFds, m.Fds...)
	return r.flushLocked()
}

// Flush writes out any queued data.
func (r *RawConn) Flush() error {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return r.flushLocked()
}

func (r *RawConn) flushLocked() error {
	if r.out.Len() == 0 {
		return nil
	}
	var err error
	if len(r.outFds) > 0 && r.unixConn != nil {
		rights := unix.UnixRights(r.outFds...)
		_, _, err = r.unixConn.WriteMsgUnix(r.out.Bytes(), rights, nil)
		r.outFds = r.outFds[:0]
	} else {
		_, err = r.conn.Write(r.out.Bytes())
	}
	if err != nil {
		return fmt.Errorf("zbus: write: %w", err)
	}
	r.out.Reset()
	r.activity.notify()
	return nil
}

// Close flushes what it can and shuts the socket down, waking the reader.
func (r *RawConn) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.Flush()
	return r.conn.Close()
}

// MonitorActivity returns a channel that is closed the next time the socket
// sees any I/O, for callers implementing idle timeouts.
func (r *RawConn) MonitorActivity() <-chan struct{} {
	return r.activity.listen()
}

// activityMonitor is a reusable edge-triggered event: each listen returns the
// current generation's channel, closed on the next notify.
type activityMonitor struct {
	mu sync.Mutex
	ch chan struct{}
}

func newActivityMonitor() *activityMonitor {
	return &activityMonitor{ch: make(chan struct{})}
}

func (a *activityMonitor) listen() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *activityMonitor) notify() {
	a.mu.Lock()
	close(a.ch)
	a.ch = make(chan struct{})
	a.mu.Unlock()
}
