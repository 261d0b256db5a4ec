//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the non-Linux fallback: each connection gets a goroutine that
// calls serve until the connection is removed. wait only blocks until close.
type poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	serve func(net.Conn)
	done  chan struct{}
	once  sync.Once
}

func newPoller(serve func(net.Conn)) (*poller, error) {
	return &poller{
		conns: make(map[net.Conn]struct{}),
		serve: serve,
		done:  make(chan struct{}),
	}, nil
}

func (p *poller) add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

func (p *poller) monitor(conn net.Conn) {
	for p.has(conn) {
		select {
		case <-p.done:
			return
		default:
		}
		p.serve(conn)
	}
}

func (p *poller) has(conn net.Conn) bool {
	p.mu.RLock()
	_, ok := p.conns[conn]
	p.mu.RUnlock()
	return ok
}

func (p *poller) remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

func (p *poller) wait() ([]net.Conn, error) {
	<-p.done
	return nil, net.ErrClosed
}

func (p *poller) close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }
