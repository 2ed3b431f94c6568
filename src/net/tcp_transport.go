package net

import (
	"encoding/binary"
	"fmt"
	"io"
	gonet "net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	//maxFrameSize bounds a frame read off the wire
	maxFrameSize = 8 * 1024 * 1024

	dialTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

// TCPTransport implements the Transport interface over plain TCP. Each frame
// travels length-prefixed on a short-lived or pooled connection; inbound
// connections are read until they close.
type TCPTransport struct {
	sync.Mutex
	listener   gonet.Listener
	advertise  string
	consumerCh chan Frame

	//one cached outbound connection per target
	conns map[string]gonet.Conn

	shutdown   bool
	shutdownCh chan struct{}

	logger *logrus.Entry
}

// NewTCPTransport creates a transport bound to bindAddr. advertise is the
// address announced to peers; when empty, the bound address is used.
func NewTCPTransport(bindAddr string, advertise string, logger *logrus.Entry) (*TCPTransport, error) {
	listener, err := gonet.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	if advertise == "" {
		advertise = listener.Addr().String()
	}

	return &TCPTransport{
		listener:   listener,
		advertise:  advertise,
		consumerCh: make(chan Frame, 256),
		conns:      make(map[string]gonet.Conn),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithField("prefix", "transport"),
	}, nil
}

// Listen implements the Transport interface.
func (t *TCPTransport) Listen() {
	go t.acceptLoop()
}

// Consumer implements the Transport interface.
func (t *TCPTransport) Consumer() <-chan Frame {
	return t.consumerCh
}

// LocalAddr implements the Transport interface.
func (t *TCPTransport) LocalAddr() string {
	return t.advertise
}

// Send implements the Transport interface.
func (t *TCPTransport) Send(target string, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}

	conn, err := t.getConn(target)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(conn, data); err != nil {
		//the cached connection may have gone stale; retry on a fresh one
		t.dropConn(target)
		conn, err = t.getConn(target)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeFrame(conn, data); err != nil {
			t.dropConn(target)
			return err
		}
	}

	return nil
}

// Close implements the Transport interface.
func (t *TCPTransport) Close() error {
	t.Lock()
	defer t.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)

	for target, conn := range t.conns {
		conn.Close()
		delete(t.conns, target)
	}

	return t.listener.Close()
}

func (t *TCPTransport) getConn(target string) (gonet.Conn, error) {
	t.Lock()
	defer t.Unlock()

	if t.shutdown {
		return nil, fmt.Errorf("transport is closed")
	}

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	conn, err := gonet.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		return nil, err
	}
	t.conns[target] = conn

	return conn, nil
}

func (t *TCPTransport) dropConn(target string) {
	t.Lock()
	defer t.Unlock()

	if conn, ok := t.conns[target]; ok {
		conn.Close()
		delete(t.conns, target)
	}
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				close(t.consumerCh)
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				continue
			}
		}
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) readLoop(conn gonet.Conn) {
	defer conn.Close()

	from := conn.RemoteAddr().String()
	for {
		data, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.logger.WithError(err).Debug("Dropping connection")
			}
			return
		}

		select {
		case t.consumerCh <- Frame{From: from, Data: data}:
		case <-t.shutdownCh:
			return
		}
	}
}

func writeFrame(w io.Writer, data []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(length[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
