package main

import (
	"sync"
	"time"
)

// CommandKind identifies a parsed protocol verb.
type CommandKind uint8

const (
	CmdUnknown CommandKind = iota
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdGet
	CmdDelete
)

// storageCommand reports whether a command kind carries a data block.
func (k CommandKind) storageCommand() bool {
	switch k {
	case CmdSet, CmdAdd, CmdReplace, CmdAppend, CmdPrepend:
		return true
	default:
		return false
	}
}

// Command is a fully parsed protocol header, produced by Parser.Build.
// For CmdGet it may carry multiple keys; every other kind uses Key only.
type Command struct {
	Kind    CommandKind
	Key     []byte
	Keys    [][]byte // only populated for CmdGet with >1 key
	Flags   uint32
	Exptime uint32
	Bytes   int
	NoReply bool
}

// MaxKeyLength is the protocol limit on key size.
const MaxKeyLength = 250

// DefaultMaxCacheBytes is the LRU store's default byte budget.
const DefaultMaxCacheBytes = 1024

// entry is one node of the LRU store's doubly-linked recency list.
// prev/next order the list from LRU (head) to MRU (tail).
type entry struct {
	key   string
	value []byte
	prev  *entry
	next  *entry
}

func (e *entry) cost() int {
	return len(e.key) + len(e.value)
}

// Connection holds everything the Connection FSM needs to drive one
// socket through parse -> execute -> reply without blocking.
type Connection struct {
	fd int // raw socket descriptor, owned by exactly one worker reactor for its whole life

	in        []byte // inbound buffer, fixed capacity
	inFilled  int
	parser    *Parser
	pending   *pendingCommand
	outQueue  [][]byte
	outSentHd int // bytes already sent out of the head of outQueue

	alive     bool
	interestW bool // currently registered for writability

	workerIdx int // which worker reactor owns this connection, -1 if unassigned

	owner *Reactor    // reactor this connection is registered with, for CompleteAsync
	pool  *ThreadPool // non-nil when command execution is offloaded

	// seqNext/seqFlush/pendingResults preserve per-connection reply order
	// when command execution is offloaded to a ThreadPool: each offloaded
	// command is tagged with seqNext (post-incremented), and a completion
	// is only appended to outQueue once it is next in line for seqFlush.
	seqNext        uint64
	seqFlush       uint64
	pendingResults map[uint64][]byte

	log *connLogFields
}

// pendingCommand is an in-flight storage command awaiting its body.
type pendingCommand struct {
	cmd        Command
	argBuf     []byte
	argWritten int
	argRemains int // bytes still needed, including trailing CRLF
}

// connLogFields captures stable per-connection identity for logging
// without re-resolving the peer address from the raw fd on every call.
type connLogFields struct {
	remote string
	id     uint64
}

// Stats tracks server-wide counters: hits/misses/evictions and I/O
// volume across every connection.
type Stats struct {
	mu sync.RWMutex

	TotalOps     uint64
	GetHits      uint64
	GetMisses    uint64
	SetOps       uint64
	DeleteOps    uint64
	DeleteMisses uint64
	Evictions    uint64
	BytesRead    uint64
	BytesWritten uint64
	Connections  uint64
	ActiveConns  int64
}

// PoolConfig is the thread-pool's construction parameter.
type PoolConfig struct {
	Name         string
	LowWatermark int
	HighWater    int
	MaxQueueSize int
	IdleTime     time.Duration
}
