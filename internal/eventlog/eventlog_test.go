package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSince(t *testing.T) {
	l := New(10)
	l.Append("queued", "s1", "", "opus", "queued request")
	e2 := l.Append("dispatched", "s1", "w1", "opus", "dispatched")

	events := l.Since(e2.ID-1, "", 0)
	require.Len(t, events, 1)
	assert.Equal(t, "dispatched", events[0].Type)
}

func TestRingBufferCap(t *testing.T) {
	l := New(3)
	for i := 0; i < 10; i++ {
		l.Append("tick", "", "", "", "")
	}
	events := l.Since(0, "", 0)
	assert.Len(t, events, 3)
	assert.Equal(t, int64(10), events[len(events)-1].ID)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	l := New(100)
	ch := l.Subscribe()
	defer l.Unsubscribe(ch)

	l.Append("queued", "s1", "", "opus", "")

	select {
	case e := <-ch:
		assert.Equal(t, "queued", e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := New(10)
	ch := l.Subscribe()
	l.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestFilterByType(t *testing.T) {
	l := New(100)
	l.Append("queued", "", "", "", "")
	l.Append("dispatched", "", "", "", "")
	l.Append("queued", "", "", "", "")

	events := l.Since(0, "queued", 0)
	assert.Len(t, events, 2)
}
