package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserParsesSimpleGetLine(t *testing.T) {
	p := NewParser()
	consumed, ready := p.Parse([]byte("get foo\r\n"))
	assert.Equal(t, len("get foo\r\n"), consumed)
	assert.True(t, ready)

	cmd, argBytes, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, CmdGet, cmd.Kind)
	assert.Equal(t, []byte("foo"), cmd.Key)
	assert.Equal(t, 0, argBytes)
}

func TestParserToleratesByteAtATimeFragmentation(t *testing.T) {
	p := NewParser()
	line := []byte("set foo 0 0 3\r\n")
	total := 0
	ready := false
	for _, b := range line {
		n, r := p.Parse([]byte{b})
		total += n
		if r {
			ready = true
			break
		}
	}
	assert.True(t, ready)
	assert.Equal(t, len(line), total)

	cmd, argBytes, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, CmdSet, cmd.Kind)
	assert.Equal(t, 3, argBytes)
}

func TestParserToleratesBareLF(t *testing.T) {
	p := NewParser()
	_, ready := p.Parse([]byte("get foo\n"))
	require.True(t, ready)
	cmd, _, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), cmd.Key)
}

func TestParserCoalescedMultipleLinesOnlyConsumesFirst(t *testing.T) {
	p := NewParser()
	buf := []byte("get a\r\nget b\r\n")
	consumed, ready := p.Parse(buf)
	require.True(t, ready)
	assert.Less(t, consumed, len(buf))
	cmd, _, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), cmd.Key)

	p.Reset()
	consumed2, ready2 := p.Parse(buf[consumed:])
	require.True(t, ready2)
	cmd2, _, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), cmd2.Key)
	assert.Equal(t, len(buf), consumed+consumed2)
}

func TestParserRejectsUnknownVerb(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("frobnicate foo\r\n"))
	_, _, err := p.Build()
	assert.Error(t, err)
}

func TestParserRejectsBadStorageArity(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("set foo 0 0\r\n"))
	_, _, err := p.Build()
	assert.Error(t, err)
}

func TestParserParsesNoReply(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("set foo 0 0 3 noreply\r\n"))
	cmd, argBytes, err := p.Build()
	require.NoError(t, err)
	assert.True(t, cmd.NoReply)
	assert.Equal(t, 3, argBytes)
}

func TestParserParsesMultiGet(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("get a b c\r\n"))
	cmd, _, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), cmd.Key)
	require.Len(t, cmd.Keys, 3)
	assert.Equal(t, []byte("c"), cmd.Keys[2])
}

func TestParserRejectsOverlongKey(t *testing.T) {
	p := NewParser()
	longKey := make([]byte, MaxKeyLength+1)
	for i := range longKey {
		longKey[i] = 'x'
	}
	p.Parse(append(append([]byte("get "), longKey...), []byte("\r\n")...))
	_, _, err := p.Build()
	assert.Error(t, err)
}

func TestParserDeleteWithNoReply(t *testing.T) {
	p := NewParser()
	p.Parse([]byte("delete foo noreply\r\n"))
	cmd, _, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, CmdDelete, cmd.Kind)
	assert.True(t, cmd.NoReply)
}
