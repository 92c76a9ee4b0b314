// Package comm provides connection handling for motion controllers and other
// lab hardware that speak terminated ASCII over TCP or RS-232.
//
// Most usages of this package will boil down to:
//
//  1. build a CreationFunc with Maker, for a network or serial address
//  2. hand it to NewPool, sized to the number of concurrent users
//  3. Get a connection, SendRecv on it, and Put it back (or Destroy it if
//     the exchange failed)
//
// For example:
//
//	pool := comm.NewPool(1, 10*time.Second, comm.Maker("192.168.100.12:5001", nil))
//	conn, err := pool.Get()
//	if err != nil {
//		return err
//	}
//	resp, err := comm.SendRecv(conn, []byte("1TP?"), '\r', '\r')
//	if err != nil {
//		pool.Destroy(conn)
//		return err
//	}
//	pool.Put(conn)
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// DialTimeout is the connect, read, and write deadline applied to TCP connections
var DialTimeout = 3 * time.Second

// Open opens a connection to addr.  If conf is non-nil, addr is ignored and
// a serial port is opened from conf, otherwise a TCP connection is made.
//
// The open is retried with an exponential backoff, controllers behind
// terminal servers do not like being connection thrashed.  A refused
// connection is not retried.
func Open(addr string, conf *serial.Config) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	wasTimeout := false
	op := func() error {
		c, err := open(addr, conf)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		conn = c
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return conn, nil
	}
	if wasTimeout {
		return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
	}
	return nil, err
}

func open(addr string, conf *serial.Config) (io.ReadWriteCloser, error) {
	if conf != nil {
		return serial.OpenPort(conf)
	}
	return TCPSetup(addr, DialTimeout)
}

// Maker returns a CreationFunc which opens addr (or the serial port in conf)
func Maker(addr string, conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return Open(addr, conf)
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// refreshDeadline pushes the deadline on a net.Conn forward, so that pooled
// connections do not expire while idle
func refreshDeadline(rw io.ReadWriter) {
	if conn, ok := rw.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(DialTimeout))
	}
}

// Send writes b to rw with tx appended
func Send(rw io.ReadWriter, b []byte, tx byte) error {
	if rw == nil {
		return ErrNotConnected
	}
	refreshDeadline(rw)
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, tx)
	_, err := rw.Write(msg)
	return err
}

// Recv reads from rw until rx and strips it
func Recv(rw io.ReadWriter, rx byte) ([]byte, error) {
	if rw == nil {
		return nil, ErrNotConnected
	}
	refreshDeadline(rw)
	buf, err := bufio.NewReader(rw).ReadBytes(rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{rx}), nil
}

// SendRecv sends b after appending tx, then returns the response with rx stripped
func SendRecv(rw io.ReadWriter, b []byte, tx, rx byte) ([]byte, error) {
	if err := Send(rw, b, tx); err != nil {
		return nil, err
	}
	return Recv(rw, rx)
}
