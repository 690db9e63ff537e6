package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type tcpPort struct {
	net.Conn
}

func (p tcpPort) SetReadTimeout(d time.Duration) error {
	return p.Conn.SetReadDeadline(time.Now().Add(d))
}

func (p tcpPort) SetWriteTimeout(d time.Duration) error {
	return p.Conn.SetWriteDeadline(time.Now().Add(d))
}

// Flush discards whatever the peer has already sent.
func (p tcpPort) Flush() error {
	buf := make([]byte, 1024)
	for {
		if err := p.Conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := p.Conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// NewTCP returns a transport speaking to the device over a TCP socket, e.g.
// through a serial-to-ethernet bridge.
func NewTCP(host string, portNumber int, opts Options, logger *zap.Logger) Transport {
	address := net.JoinHostPort(host, strconv.Itoa(portNumber))
	dial := func(ctx context.Context) (port, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return tcpPort{Conn: conn}, nil
	}
	return newStream("tcp", address, dial, opts, logger)
}
