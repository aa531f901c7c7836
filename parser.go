package main

import (
	"strconv"

	"github.com/pkg/errors"
)

// parsePhase is the parser's internal state, restartable across any
// fragmentation of the input.
type parsePhase uint8

const (
	phaseAwaitingLine parsePhase = iota
	phaseDone
)

// ErrProtocol marks a malformed command line or header. The connection
// replies CLIENT_ERROR and keeps going unless the header itself cannot fit
// the inbound buffer.
var ErrProtocol = errors.New("protocol error")

// ErrLineTooLong marks a header line that grew past maxCommandLine without
// ever finding its terminator. Unlike ErrProtocol this is a back-pressure
// signal: the connection that raised it must close rather than recover,
// since the parser state for that line can never complete.
var ErrLineTooLong = errors.New("command line exceeds buffer capacity")

// maxCommandLine bounds how many header bytes Parser will accumulate
// before giving up, independent of how the caller chooses to size its own
// read buffer.
const maxCommandLine = ConnBufferSize

// Parser is a restartable streaming tokenizer for the memcached-style text
// grammar. It is driven by repeated calls to Parse with whatever bytes the
// socket handed over, however fragmented or coalesced; Build materializes
// the finished header once Parse reports ready.
type Parser struct {
	phase parsePhase
	line  []byte // accumulated header bytes, not yet including the terminator
	err   error
}

// NewParser returns a Parser ready to parse the next command header.
func NewParser() *Parser {
	return &Parser{}
}

// Reset restores the parser to its initial state so the connection can
// parse the next command.
func (p *Parser) Reset() {
	p.phase = phaseAwaitingLine
	p.line = p.line[:0]
	p.err = nil
}

// Parse feeds buf to the parser and reports how many leading bytes were
// consumed and whether a complete header is now available. consumed == 0
// with ready == false means "need more bytes"; the caller must not lose
// the unconsumed remainder. Parse never looks ahead past the next line
// terminator, so it tolerates a buffer split at any byte boundary.
func (p *Parser) Parse(buf []byte) (consumed int, ready bool) {
	if p.phase == phaseDone {
		return 0, true
	}

	for i, b := range buf {
		if b == '\n' {
			line := p.line
			// Tolerate a bare LF: strip a trailing CR if present.
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			p.line = append([]byte(nil), line...)
			p.phase = phaseDone
			return i + 1, true
		}
		p.line = append(p.line, b)
		if len(p.line) > maxCommandLine {
			p.phase = phaseDone
			p.err = ErrLineTooLong
			return i + 1, true
		}
	}
	return len(buf), false
}

// Build materializes the parsed header into a Command. argBytes is the
// number of raw data-block bytes (not including the trailing CRLF) the
// caller must still read before the command can execute; it is 0 for
// commands with no body. Build must only be called after Parse reports
// ready == true.
func (p *Parser) Build() (Command, int, error) {
	if p.err != nil {
		return Command{}, 0, p.err
	}
	fields := splitFields(p.line)
	if len(fields) == 0 {
		return Command{}, 0, errors.Wrap(ErrProtocol, "empty command line")
	}

	verb := string(fields[0])
	switch verb {
	case "set", "add", "replace", "append", "prepend":
		return p.buildStorage(verb, fields)
	case "get":
		return p.buildGet(fields)
	case "delete":
		return p.buildDelete(fields)
	default:
		return Command{}, 0, errors.Wrapf(ErrProtocol, "unknown command %q", verb)
	}
}

func (p *Parser) buildStorage(verb string, fields [][]byte) (Command, int, error) {
	// <cmd> <key> <flags> <exptime> <bytes> [noreply]
	if len(fields) != 5 && len(fields) != 6 {
		return Command{}, 0, errors.Wrapf(ErrProtocol, "wrong number of arguments for %q", verb)
	}
	key := fields[1]
	if len(key) == 0 || len(key) > MaxKeyLength {
		return Command{}, 0, errors.Wrap(ErrProtocol, "bad key length")
	}

	flags, err := parseUint32(fields[2])
	if err != nil {
		return Command{}, 0, errors.Wrap(ErrProtocol, "bad flags")
	}
	exptime, err := parseUint32(fields[3])
	if err != nil {
		return Command{}, 0, errors.Wrap(ErrProtocol, "bad exptime")
	}
	nbytes, err := strconv.Atoi(string(fields[4]))
	if err != nil || nbytes < 0 {
		return Command{}, 0, errors.Wrap(ErrProtocol, "bad byte count")
	}

	noReply := false
	if len(fields) == 6 {
		if string(fields[5]) != "noreply" {
			return Command{}, 0, errors.Wrap(ErrProtocol, "bad trailing token")
		}
		noReply = true
	}

	kind := map[string]CommandKind{
		"set":     CmdSet,
		"add":     CmdAdd,
		"replace": CmdReplace,
		"append":  CmdAppend,
		"prepend": CmdPrepend,
	}[verb]

	return Command{
		Kind:    kind,
		Key:     append([]byte(nil), key...),
		Flags:   flags,
		Exptime: exptime,
		Bytes:   nbytes,
		NoReply: noReply,
	}, nbytes, nil
}

func (p *Parser) buildGet(fields [][]byte) (Command, int, error) {
	if len(fields) < 2 {
		return Command{}, 0, errors.Wrap(ErrProtocol, "get requires at least one key")
	}
	keys := make([][]byte, 0, len(fields)-1)
	for _, k := range fields[1:] {
		if len(k) > MaxKeyLength {
			return Command{}, 0, errors.Wrap(ErrProtocol, "bad key length")
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	cmd := Command{Kind: CmdGet, Key: keys[0]}
	if len(keys) > 1 {
		cmd.Keys = keys
	}
	return cmd, 0, nil
}

func (p *Parser) buildDelete(fields [][]byte) (Command, int, error) {
	if len(fields) != 2 && len(fields) != 3 {
		return Command{}, 0, errors.Wrap(ErrProtocol, "wrong number of arguments for delete")
	}
	key := fields[1]
	if len(key) == 0 || len(key) > MaxKeyLength {
		return Command{}, 0, errors.Wrap(ErrProtocol, "bad key length")
	}
	noReply := false
	if len(fields) == 3 {
		if string(fields[2]) != "noreply" {
			return Command{}, 0, errors.Wrap(ErrProtocol, "bad trailing token")
		}
		noReply = true
	}
	return Command{Kind: CmdDelete, Key: append([]byte(nil), key...), NoReply: noReply}, 0, nil
}

// splitFields splits a header line on single spaces without allocating a
// string per field; empty fields (from repeated spaces) are dropped.
func splitFields(line []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, b := range line {
		if b == ' ' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func parseUint32(b []byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
