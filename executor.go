package main

import (
	"strconv"
)

// Reply lines.
var (
	replyStored    = []byte("STORED\r\n")
	replyNotStored = []byte("NOT_STORED\r\n")
	replyExists    = []byte("EXISTS\r\n")
	replyNotFound  = []byte("NOT_FOUND\r\n")
	replyDeleted   = []byte("DELETED\r\n")
	replyEnd       = []byte("END\r\n")
	replyError     = []byte("ERROR\r\n")
	replyTooLarge  = []byte("SERVER_ERROR object too large for cache\r\n")
)

// Executor dispatches a parsed Command (plus its body, for storage
// commands) against a Store and formats the protocol reply. It never
// mutates the store on a failed fit (LRUCache guarantees that) and never
// panics on well-formed input.
type Executor struct {
	store Store
	stats *Stats
}

// NewExecutor binds an Executor to the store and stats it will report
// against.
func NewExecutor(store Store, stats *Stats) *Executor {
	return &Executor{store: store, stats: stats}
}

// Execute runs cmd (with body, for storage commands) and returns the
// formatted reply. It returns nil when cmd.NoReply is set and the command
// executed without a protocol-level parse failure.
func (ex *Executor) Execute(cmd Command, body []byte) []byte {
	ex.stats.mu.Lock()
	ex.stats.TotalOps++
	ex.stats.mu.Unlock()

	var reply []byte
	switch cmd.Kind {
	case CmdSet:
		reply = ex.runStore(cmd, body, ex.store.Put)
	case CmdAdd:
		reply = ex.runStore(cmd, body, ex.store.PutIfAbsent)
	case CmdReplace:
		reply = ex.runStore(cmd, body, ex.store.Set)
	case CmdAppend:
		reply = ex.runConcat(cmd, body, ex.store.Append)
	case CmdPrepend:
		reply = ex.runConcat(cmd, body, ex.store.Prepend)
	case CmdGet:
		reply = ex.runGet(cmd)
	case CmdDelete:
		reply = ex.runDelete(cmd)
	default:
		reply = replyError
	}

	if cmd.NoReply {
		return nil
	}
	return reply
}

func (ex *Executor) runStore(cmd Command, body []byte, op func(key string, value []byte) bool) []byte {
	ex.stats.mu.Lock()
	ex.stats.SetOps++
	ex.stats.mu.Unlock()

	if len(cmd.Key)+len(body) > ex.store.MaxSize() {
		return replyTooLarge
	}
	if op(string(cmd.Key), body) {
		return replyStored
	}
	// Distinguish "can never fit" from "precondition failed" (key present
	// for add, key absent for replace): a capacity failure only happens
	// when the pair cannot fit even in an empty cache, which runStore
	// already checked above, so a false here means the protocol-level
	// precondition failed.
	return replyNotStored
}

func (ex *Executor) runConcat(cmd Command, body []byte, op func(key string, suffix []byte) bool) []byte {
	ex.stats.mu.Lock()
	ex.stats.SetOps++
	ex.stats.mu.Unlock()

	if op(string(cmd.Key), body) {
		return replyStored
	}
	return replyNotStored
}

func (ex *Executor) runGet(cmd Command) []byte {
	keys := cmd.Keys
	if keys == nil {
		keys = [][]byte{cmd.Key}
	}

	out := make([]byte, 0, 64)
	for _, key := range keys {
		value, ok := ex.store.Get(string(key))
		ex.stats.mu.Lock()
		if ok {
			ex.stats.GetHits++
		} else {
			ex.stats.GetMisses++
		}
		ex.stats.mu.Unlock()

		if !ok {
			continue
		}
		out = append(out, "VALUE "...)
		out = append(out, key...)
		out = append(out, ' ')
		out = append(out, '0') // flags: not tracked per-value in this store
		out = append(out, ' ')
		out = append(out, strconv.Itoa(len(value))...)
		out = append(out, '\r', '\n')
		out = append(out, value...)
		out = append(out, '\r', '\n')
	}
	out = append(out, replyEnd...)
	return out
}

func (ex *Executor) runDelete(cmd Command) []byte {
	ex.stats.mu.Lock()
	ex.stats.DeleteOps++
	ex.stats.mu.Unlock()

	if ex.store.Delete(string(cmd.Key)) {
		return replyDeleted
	}
	ex.stats.mu.Lock()
	ex.stats.DeleteMisses++
	ex.stats.mu.Unlock()
	return replyNotFound
}

// clientError formats a CLIENT_ERROR reply for a parse-time failure. The
// underlying cause's message is used verbatim, so callers should keep
// parser error text CRLF-free.
func clientError(err error) []byte {
	msg := err.Error()
	out := make([]byte, 0, len(msg)+16)
	out = append(out, "CLIENT_ERROR "...)
	out = append(out, msg...)
	out = append(out, '\r', '\n')
	return out
}
