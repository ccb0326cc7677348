// Package transport provides the duplex byte channels an endpoint runs on.
//
// An endpoint only needs io.ReadWriteCloser: it does not care whether the
// bytes travel over TCP, a pipe or the process's standard streams. Partial
// reads and short writes are handled by the framing layer above.
package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Conn is the duplex byte channel consumed by an endpoint.
type Conn = io.ReadWriteCloser

// Pipe returns the two ends of a synchronous in-memory connection.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

// DialTimeout bounds connection setup when ctx has no deadline.
const DialTimeout = 5 * time.Second

// Dial connects to addr. TCP connections get keep-alive and no-delay.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DialTimeout)
		defer cancel()
	}

	d := net.Dialer{KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, addr)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Stdio joins the process's stdin and stdout into one connection.
func Stdio() Conn {
	return Duplex(os.Stdin, os.Stdout)
}

// Duplex joins a read half and a write half. Close closes each half that is
// an io.Closer, once.
func Duplex(r io.Reader, w io.Writer) Conn {
	return &duplex{r: r, w: w}
}

type duplex struct {
	r    io.Reader
	w    io.Writer
	once sync.Once
	err  error
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplex) Close() error {
	d.once.Do(func() {
		if c, ok := d.r.(io.Closer); ok {
			d.err = c.Close()
		}
		if c, ok := d.w.(io.Closer); ok {
			if err := c.Close(); err != nil && d.err == nil {
				d.err = err
			}
		}
	})
	return d.err
}
