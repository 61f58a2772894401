package transport

import (
	"net"

	"inapi/internal/metrics"
)

// Pipe returns two connected in-memory Conns.  Writes on one side's
// channel are read from the same channel on the other side.  It is used
// to run an agent in-process.
func Pipe(m *metrics.Collector) (client, server *Conn) {
	cc, sc := net.Pipe()
	cb, sb := net.Pipe()
	client = NewConn("pipe", cc, cb, nil, m)
	server = NewConn("pipe", sc, sb, nil, nil)
	go func() {
		select {
		case <-client.Done():
			server.Lost(client.Err())
		case <-server.Done():
			client.Lost(net.ErrClosed)
		}
	}()
	return client, server
}
