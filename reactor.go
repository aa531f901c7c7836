package main

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// listenBacklog mirrors a conservative production listen() backlog.
const listenBacklog = 1024

// epollMaxEvents bounds a single EpollWait batch.
const epollMaxEvents = 256

// NewListener creates a non-blocking, edge-triggerable TCP listening socket
// bound to addr:port. It is built directly on golang.org/x/sys/unix rather
// than the net package, so the same raw fd can be registered with the
// reactor's own epoll instance.
func NewListener(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}

	var ipArr [4]byte
	if addr != "" {
		ip := net.ParseIP(addr)
		if ip4 := ip.To4(); ip4 != nil {
			copy(ipArr[:], ip4)
		}
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ipArr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// Reactor is a single-threaded, edge-triggered epoll event loop. It owns
// the lifetime of every Connection registered with it: no other goroutine
// touches those fds, which is what lets the multi-reactor topology in
// dispatch.go skip a per-connection mutex entirely.
//
// A reactor may additionally own the listening socket (single-reactor
// topology) and/or accept Connections handed to it from an external
// acceptor goroutine (multi-reactor topology) via Submit, which wakes the
// epoll_wait through a self-pipe.
type Reactor struct {
	id       int
	epfd     int
	listenFd int // -1 if this reactor does not own a listener
	wakeR    int
	wakeW    int

	incoming   chan *Connection
	asyncDone  chan asyncResult
	conns      map[int32]*Connection

	executor *Executor
	stats    *Stats
	log      *logrus.Entry

	events []unix.EpollEvent

	// pool, when set, is attached to every connection this reactor accepts
	// or registers so command execution is offloaded.
	pool *ThreadPool

	// onAccept, when set, hands a freshly accepted connection off to
	// another reactor (the multi-reactor topology's round-robin
	// assignment) instead of registering it with this reactor directly.
	onAccept func(*Connection)
}

// NewReactor builds a reactor with its own epoll instance and wake pipe.
// The caller must eventually call AddListener and/or feed it connections
// through Submit, then call Run.
func NewReactor(id int, ex *Executor, stats *Stats, log *logrus.Entry) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "pipe2")
	}

	r := &Reactor{
		id:       id,
		epfd:     epfd,
		listenFd: -1,
		wakeR:    fds[0],
		wakeW:    fds[1],
		incoming:  make(chan *Connection, 256),
		asyncDone: make(chan asyncResult, 4096),
		conns:     make(map[int32]*Connection),
		executor: ex,
		stats:    stats,
		log:      log,
		events:   make([]unix.EpollEvent, epollMaxEvents),
	}
	if err := r.ctl(unix.EPOLL_CTL_ADD, r.wakeR, unix.EPOLLIN); err != nil {
		unix.Close(r.wakeR)
		unix.Close(r.wakeW)
		unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

// connLog returns a log entry carrying c's stable identity, so every
// per-connection warning/error line can be traced back to a peer address
// and connection id without re-deriving them from the raw fd.
func (r *Reactor) connLog(c *Connection) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{"remote": c.log.remote, "conn_id": c.log.id})
}

func (r *Reactor) ctl(op int, fd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, op, fd, ev)
}

// AddListener registers fd (from NewListener) for accept notifications on
// this reactor's epoll instance.
func (r *Reactor) AddListener(fd int) error {
	r.listenFd = fd
	return r.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|unix.EPOLLET)
}

// AddConnection registers c with this reactor directly; used by the
// single-reactor topology and by a worker reactor's own Run loop when it
// drains Submit-ed connections off its wake pipe.
func (r *Reactor) AddConnection(c *Connection) error {
	c.owner = r
	r.conns[int32(c.fd)] = c
	return r.ctl(unix.EPOLL_CTL_ADD, c.fd, unix.EPOLLIN|unix.EPOLLET)
}

// Submit hands a connection accepted elsewhere to this reactor and wakes
// its epoll_wait so it picks the connection up on the next loop iteration.
// Safe to call from any goroutine.
func (r *Reactor) Submit(c *Connection) {
	r.incoming <- c
	unix.Write(r.wakeW, []byte{0})
}

// Run drives the event loop until stop is closed. It never blocks longer
// than a single EpollWait call, so shutdown is always prompt.
func (r *Reactor) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, r.events, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait")
		}

		for i := 0; i < n; i++ {
			ev := r.events[i]
			switch {
			case int(ev.Fd) == r.listenFd:
				r.acceptAll()
			case int(ev.Fd) == r.wakeR:
				r.drainIncoming()
			default:
				r.dispatch(ev)
			}
		}
	}
}

// acceptAll drains every pending connection off the listening socket, since
// edge-triggered notification only fires once per batch of arrivals.
func (r *Reactor) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			r.log.WithError(err).Warn("accept4 failed")
			return
		}
		r.stats.mu.Lock()
		r.stats.Connections++
		r.stats.ActiveConns++
		id := r.stats.Connections
		r.stats.mu.Unlock()

		conn := NewConnection(fd, remoteAddrString(sa), id)
		conn.pool = r.pool
		if r.onAccept != nil {
			r.onAccept(conn)
			continue
		}
		if err := r.AddConnection(conn); err != nil {
			r.connLog(conn).WithError(err).Warn("failed to register accepted connection")
			conn.Close()
			continue
		}
	}
}

// asyncResult is one completed offloaded command, delivered back to the
// reactor that owns the originating connection so only that goroutine ever
// touches the connection's buffers.
type asyncResult struct {
	conn *Connection
	seq  uint64
	fd   int // the fd owned by conn at submission time, to detect stale results
	reply []byte
}

// CompleteAsync delivers the result of a command that ran on the thread
// pool back to this reactor. Safe to call from any goroutine; it wakes the
// reactor's epoll_wait the same way Submit does.
func (r *Reactor) CompleteAsync(c *Connection, seq uint64, reply []byte) {
	r.asyncDone <- asyncResult{conn: c, seq: seq, fd: c.fd, reply: reply}
	unix.Write(r.wakeW, []byte{0})
}

// drainIncoming empties the wake pipe, adopts every connection handed off
// via Submit, and applies every offloaded command result that has arrived
// since the last wake, in FIFO order per connection.
func (r *Reactor) drainIncoming() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			break
		}
	}

	for {
		select {
		case c := <-r.incoming:
			c.workerIdx = r.id
			if err := r.AddConnection(c); err != nil {
				r.connLog(c).WithError(err).Warn("failed to register submitted connection")
				c.Close()
			}
		default:
			goto drainAsync
		}
	}

drainAsync:
	for {
		select {
		case res := <-r.asyncDone:
			r.applyAsyncResult(res)
		default:
			return
		}
	}
}

// applyAsyncResult buffers an out-of-order completion and flushes every
// reply that is now next-in-line for its connection. A result whose
// connection is no longer registered under the fd it was submitted with
// (the connection already closed, possibly replaced by a new accept on the
// same fd) is dropped.
func (r *Reactor) applyAsyncResult(res asyncResult) {
	c := res.conn
	if current, ok := r.conns[int32(res.fd)]; !ok || current != c {
		return
	}

	if c.pendingResults == nil {
		c.pendingResults = make(map[uint64][]byte)
	}
	c.pendingResults[res.seq] = res.reply
	for {
		reply, ok := c.pendingResults[c.seqFlush]
		if !ok {
			break
		}
		delete(c.pendingResults, c.seqFlush)
		c.seqFlush++
		c.enqueueReply(reply)
	}

	if c.HasPendingWrite() {
		if err := c.DoWrite(r.stats); err != nil {
			r.closeConn(c)
			return
		}
		if !c.alive && !c.HasPendingWrite() {
			r.closeConn(c)
			return
		}
		events := uint32(unix.EPOLLIN | unix.EPOLLET)
		if c.HasPendingWrite() || c.interestW {
			events |= unix.EPOLLOUT
		}
		if err := r.ctl(unix.EPOLL_CTL_MOD, c.fd, events); err != nil {
			r.closeConn(c)
		}
	}
}

// dispatch handles one ready fd: errors/hangups close the connection,
// readability feeds the parser/executor pipeline, and writability flushes
// whatever DoRead queued up. The fd is re-armed unless the connection died
// this round.
func (r *Reactor) dispatch(ev unix.EpollEvent) {
	c, ok := r.conns[ev.Fd]
	if !ok {
		return
	}

	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r.connLog(c).Debug("connection closed: error or hangup")
		r.closeConn(c)
		return
	}

	if ev.Events&unix.EPOLLIN != 0 {
		if err := c.DoRead(r.executor, r.stats); err != nil {
			r.connLog(c).WithError(err).Warn("read failed")
			r.closeConn(c)
			return
		}
	}
	if !c.alive && !c.HasPendingWrite() {
		r.closeConn(c)
		return
	}

	if ev.Events&unix.EPOLLOUT != 0 || c.HasPendingWrite() {
		if err := c.DoWrite(r.stats); err != nil {
			r.connLog(c).WithError(err).Warn("write failed")
			r.closeConn(c)
			return
		}
	}

	if !c.alive && !c.HasPendingWrite() {
		r.closeConn(c)
		return
	}

	wantWrite := c.HasPendingWrite() || c.interestW
	events := uint32(unix.EPOLLIN | unix.EPOLLET)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	if err := r.ctl(unix.EPOLL_CTL_MOD, c.fd, events); err != nil {
		r.connLog(c).WithError(err).Warn("failed to re-arm connection")
		r.closeConn(c)
	}
}

func (r *Reactor) closeConn(c *Connection) {
	r.ctl(unix.EPOLL_CTL_DEL, c.fd, 0)
	delete(r.conns, int32(c.fd))
	c.Close()
	r.stats.mu.Lock()
	r.stats.ActiveConns--
	r.stats.mu.Unlock()
}

// remoteAddrString formats an accepted peer address for logging without
// pulling in a net.Conn for the whole connection lifetime.
func remoteAddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
