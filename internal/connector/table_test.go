package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	got [][]byte
}

func (s *recordingSink) Write(data []byte) error {
	s.got = append(s.got, append([]byte(nil), data...))
	return nil
}

func TestTableAddIdempotent(t *testing.T) {
	tbl := NewTable()
	sink := &recordingSink{}

	assert.True(t, tbl.Add(0x0030, sink))
	assert.False(t, tbl.Add(0x0030, sink), "second insert of the same pair is a no-op")
	assert.Equal(t, 1, tbl.Count(0x0030))

	other := &recordingSink{}
	assert.True(t, tbl.Add(0x0030, other))
	assert.Equal(t, 2, tbl.Count(0x0030))
}

func TestTableRemoveNeverSubscribed(t *testing.T) {
	tbl := NewTable()
	sink := &recordingSink{}

	// Removing a pair that was never added must not blow up and must
	// report the handle as empty.
	assert.True(t, tbl.Remove(0x0042, sink))

	tbl.Add(0x0042, sink)
	assert.True(t, tbl.Remove(0x0042, sink))
	assert.True(t, tbl.Remove(0x0042, sink), "idempotent removal")
	assert.Equal(t, 0, tbl.Count(0x0042))
}

func TestTableSinksSnapshot(t *testing.T) {
	tbl := NewTable()
	a, b := &recordingSink{}, &recordingSink{}
	tbl.Add(1, a)
	tbl.Add(1, b)
	tbl.Add(2, a)

	assert.Len(t, tbl.Sinks(1), 2)
	assert.Len(t, tbl.Sinks(2), 1)
	assert.Empty(t, tbl.Sinks(3))

	tbl.Clear()
	assert.Empty(t, tbl.Sinks(1))
}
