package cli

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Listener wraps a net.Listener and applies the network timeout to every
// accepted connection. Open connections are tracked in MetricsOpenConnections.
type Listener struct {
	net.Listener
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	MetricsOpenConnections.Inc()

	tc := &Conn{
		Conn:         c,
		ReadTimeout:  l.ReadTimeout,
		WriteTimeout: l.WriteTimeout,
	}

	// Set the timeout when the connection is accepted. They will
	// get updated after successful read and write operations.
	if err := tc.resetDeadlines(); err != nil {
		tc.Close()
		return nil, err
	}

	return tc, nil
}

// Conn wraps a net.Conn, and extends the deadline after every successful
// read and write operation.
type Conn struct {
	net.Conn
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	closeOnce sync.Once
}

func (c *Conn) resetDeadlines() error {
	var readDeadline, writeDeadline time.Time
	if c.ReadTimeout > 0 {
		readDeadline = time.Now().Add(c.ReadTimeout)
	}
	if c.WriteTimeout > 0 {
		writeDeadline = time.Now().Add(c.WriteTimeout)
	}

	if err := c.Conn.SetReadDeadline(readDeadline); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(writeDeadline)
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if !isTimeoutError(err) && c.ReadTimeout > 0 {
		err2 := c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		if err == nil {
			err = err2
		}
	}

	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if !isTimeoutError(err) && c.WriteTimeout > 0 {
		err2 := c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		if err == nil {
			err = err2
		}
	}

	return n, err
}

// Close decrements MetricsOpenConnections only once, even if the connection
// is closed several times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		MetricsOpenConnections.Dec()
	})

	return c.Conn.Close()
}

func NewListener(addr string, readTimeout, writeTimeout time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		Listener:     l,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

// NewUnixListener binds to a UNIX socket. A stale socket file at path is
// removed first, any other file is left alone.
func NewUnixListener(path string, readTimeout, writeTimeout time.Duration) (net.Listener, error) {
	stat, err := os.Stat(path)
	switch {
	case err == nil && stat.Mode()&os.ModeSocket == 0:
		return nil, errors.New("specified path is not a socket")
	case err == nil:
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	return &Listener{
		Listener:     l,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
