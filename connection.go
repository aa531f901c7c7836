package main

import (
	"golang.org/x/sys/unix"
)

// ConnBufferSize is the fixed capacity of a connection's inbound buffer.
// A command line that doesn't fit within maxCommandLine bytes (parser.go)
// is a back-pressure failure: the connection replies CLIENT_ERROR and
// closes.
const ConnBufferSize = 4096

var errBadDataChunk = []byte("CLIENT_ERROR bad data chunk\r\n")

// argBufPool recycles the data-block buffers every storage command
// allocates, shared across every connection on the process.
var argBufPool = NewBytePool()

// NewConnection wraps an already-accepted, non-blocking fd. Its inbound
// buffer is always ConnBufferSize bytes; the caller cannot choose another
// capacity.
func NewConnection(fd int, remote string, id uint64) *Connection {
	return &Connection{
		fd:        fd,
		in:        make([]byte, ConnBufferSize),
		parser:    NewParser(),
		alive:     true,
		workerIdx: -1,
		log:       &connLogFields{remote: remote, id: id},
	}
}

// DoRead drains every byte currently available on the socket (edge-triggered
// semantics require looping until EAGAIN), feeding each chunk through the
// parser/executor pipeline as it arrives. It never blocks.
func (c *Connection) DoRead(ex *Executor, stats *Stats) error {
	for {
		if c.inFilled == len(c.in) {
			break // consume() below decides whether "full" means back-pressure
		}
		n, err := unix.Read(c.fd, c.in[c.inFilled:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			return err
		}
		if n == 0 {
			c.alive = false
			return nil
		}
		c.inFilled += n
		stats.mu.Lock()
		stats.BytesRead += uint64(n)
		stats.mu.Unlock()

		if err := c.consume(ex); err != nil {
			return err
		}
		if !c.alive {
			return nil
		}
	}
	return c.consume(ex)
}

// consume runs as much of the buffered input as can be turned into complete
// commands, executes each one, and compacts the inbound buffer down to its
// unconsumed remainder. A command's body is copied into its own pending
// buffer rather than left in place, so the socket buffer can be reused for
// the next header immediately; argRemains includes the +2 for the trailing
// CRLF that follows every data block.
func (c *Connection) consume(ex *Executor) error {
	offset := 0
	for {
		if c.pending != nil {
			avail := c.inFilled - offset
			if avail == 0 {
				break
			}
			take := avail
			if take > c.pending.argRemains {
				take = c.pending.argRemains
			}
			copy(c.pending.argBuf[c.pending.argWritten:], c.in[offset:offset+take])
			c.pending.argWritten += take
			c.pending.argRemains -= take
			offset += take
			if c.pending.argRemains > 0 {
				break
			}

			body := c.pending.argBuf
			n := len(body)
			if n < 2 || body[n-2] != '\r' || body[n-1] != '\n' {
				c.enqueueReply(errBadDataChunk)
			} else {
				c.runCommand(ex, c.pending.cmd, body[:n-2])
			}
			argBufPool.Put(c.pending.argBuf)
			c.pending = nil
			c.parser.Reset()
			continue
		}

		consumed, ready := c.parser.Parse(c.in[offset:c.inFilled])
		offset += consumed
		if !ready {
			break
		}

		cmd, argBytes, err := c.parser.Build()
		if err != nil {
			c.enqueueReply(clientError(err))
			if err == ErrLineTooLong {
				c.alive = false
			}
			c.parser.Reset()
			continue
		}
		if argBytes > 0 {
			c.pending = &pendingCommand{
				cmd:        cmd,
				argBuf:     argBufPool.Get(argBytes + 2),
				argRemains: argBytes + 2,
			}
			continue
		}
		c.runCommand(ex, cmd, nil)
		c.parser.Reset()
	}

	if offset > 0 {
		remaining := c.inFilled - offset
		copy(c.in, c.in[offset:c.inFilled])
		c.inFilled = remaining
	}
	return nil
}

// runCommand executes cmd either inline (the common case) or, when c.pool
// is set, on the thread pool. Offloaded commands are tagged with a
// monotonically increasing sequence number so their replies land on
// outQueue in submission order even though they may finish out of order.
// An offloaded task only ever reads a private copy of body, so the caller
// may recycle body's buffer as soon as runCommand returns.
func (c *Connection) runCommand(ex *Executor, cmd Command, body []byte) {
	if c.pool == nil {
		if reply := ex.Execute(cmd, body); reply != nil {
			c.enqueueReply(reply)
		}
		return
	}

	seq := c.seqNext
	c.seqNext++
	bodyCopy := append([]byte(nil), body...)

	accepted := c.pool.Execute(func() {
		reply := ex.Execute(cmd, bodyCopy)
		c.owner.CompleteAsync(c, seq, reply)
	})
	if accepted {
		return
	}

	// Pool saturated: run synchronously rather than drop the command, but
	// still route the result through the ordering buffer since earlier
	// offloaded commands on this connection may not have completed yet.
	reply := ex.Execute(cmd, bodyCopy)
	if c.pendingResults == nil {
		c.pendingResults = make(map[uint64][]byte)
	}
	c.pendingResults[seq] = reply
	for {
		r, ok := c.pendingResults[c.seqFlush]
		if !ok {
			break
		}
		delete(c.pendingResults, c.seqFlush)
		c.seqFlush++
		c.enqueueReply(r)
	}
}

// enqueueReply appends a formatted reply to the outbound FIFO. A nil b (a
// NoReply command) is a no-op.
func (c *Connection) enqueueReply(b []byte) {
	if b == nil {
		return
	}
	c.outQueue = append(c.outQueue, b)
}

// HasPendingWrite reports whether the outbound queue still holds bytes the
// last DoWrite couldn't flush.
func (c *Connection) HasPendingWrite() bool {
	return len(c.outQueue) > 0
}

// DoWrite flushes as much of the outbound queue as the socket will accept
// right now, via a single vectored write per attempt. It sets interestW so
// the reactor knows whether to keep the fd armed for EPOLLOUT.
func (c *Connection) DoWrite(stats *Stats) error {
	for len(c.outQueue) > 0 {
		iovs := make([][]byte, 0, len(c.outQueue))
		iovs = append(iovs, c.outQueue[0][c.outSentHd:])
		iovs = append(iovs, c.outQueue[1:]...)

		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				c.interestW = true
				return nil
			}
			return err
		}
		stats.mu.Lock()
		stats.BytesWritten += uint64(n)
		stats.mu.Unlock()
		c.advanceOutQueue(n)
	}
	c.interestW = false
	return nil
}

// advanceOutQueue drops n bytes' worth of fully or partially sent replies
// from the head of the queue.
func (c *Connection) advanceOutQueue(n int) {
	for n > 0 && len(c.outQueue) > 0 {
		head := c.outQueue[0]
		remaining := len(head) - c.outSentHd
		if n < remaining {
			c.outSentHd += n
			return
		}
		n -= remaining
		c.outQueue = c.outQueue[1:]
		c.outSentHd = 0
	}
}

// Close releases the underlying fd. Safe to call once a connection has
// already been marked dead.
func (c *Connection) Close() error {
	return unix.Close(c.fd)
}
