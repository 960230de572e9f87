package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	m := rc.GetMetrics()
	assert.EqualValues(t, 5, m.Written)
	assert.EqualValues(t, 2, m.Overwritten)
	assert.EqualValues(t, 3, m.Processed)
}

func TestTrySend(t *testing.T) {
	rc := New[string](1)
	assert.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestCloseEndsRange(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1}, got)
}
