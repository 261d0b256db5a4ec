//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll. Instead of a goroutine per connection, file
// descriptors are registered with the kernel and the event loop is told when
// data is ready to read.
type poller struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	mu          sync.RWMutex      // protects connections map
	events      []unix.EpollEvent // reusable event buffer for wait
}

// newPoller creates an epoll instance. serve is unused on Linux; the server
// drives reads from wait.
func newPoller(_ func(net.Conn)) (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// add registers conn for read readiness (EPOLLIN) and hangup notifications.
func (p *poller) add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.connections[fd] = conn
	p.mu.Unlock()
	return nil
}

// remove unregisters conn.
func (p *poller) remove(conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	delete(p.connections, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until one or more registered connections are readable.
// Connections removed between epoll_wait returning and the lookup are skipped.
func (p *poller) wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := p.connections[int(p.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor without duplicating it (which File()
// would do), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
