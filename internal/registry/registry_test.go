package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEgress struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func (e *memEgress) Write(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.frames = append(e.frames, payload)
	return nil
}

func (e *memEgress) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func TestAddRemove(t *testing.T) {
	r := New()
	r.Add("c1", &memEgress{}, map[string]string{"origin": "test"})

	assert.True(t, r.Has("c1"))
	assert.Equal(t, 1, r.Count())

	meta, ok := r.Metadata("c1")
	require.True(t, ok)
	assert.Equal(t, "test", meta["origin"])

	r.AddChannel("c1", "room-a")
	r.AddChannel("c1", "room-b")
	channels := r.Remove("c1")
	assert.ElementsMatch(t, []string{"room-a", "room-b"}, channels)

	assert.False(t, r.Has("c1"))
	assert.Nil(t, r.Remove("c1"))
}

func TestChannelMembership(t *testing.T) {
	r := New()
	r.Add("c1", &memEgress{}, nil)

	assert.True(t, r.AddChannel("c1", "room"))
	assert.False(t, r.AddChannel("c1", "room"), "re-subscribe is a no-op")
	assert.False(t, r.AddChannel("ghost", "room"))

	assert.True(t, r.HasChannel("c1", "room"))

	assert.True(t, r.RemoveChannel("c1", "room"))
	assert.False(t, r.RemoveChannel("c1", "room"))
	assert.False(t, r.HasChannel("c1", "room"))
}

func TestSendToLocalClient(t *testing.T) {
	r := New()
	e := &memEgress{}
	r.Add("c1", e, nil)

	assert.True(t, r.SendToLocalClient("c1", []byte(`{"raw":true}`)))
	assert.True(t, r.SendToLocalClient("c1", map[string]string{"k": "v"}))
	assert.False(t, r.SendToLocalClient("ghost", "x"))

	require.Equal(t, 2, e.count())
	assert.Equal(t, `{"raw":true}`, string(e.frames[0]))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(e.frames[1], &decoded))
	assert.Equal(t, "v", decoded["k"])
}

func TestFanOut(t *testing.T) {
	r := New()
	e1, e2, e3 := &memEgress{}, &memEgress{}, &memEgress{}
	r.Add("c1", e1, nil)
	r.Add("c2", e2, nil)
	r.Add("c3", e3, nil)
	r.AddChannel("c1", "room")
	r.AddChannel("c2", "room")

	delivered, failed := r.FanOut("room", []byte("hello"), "")
	assert.Equal(t, 2, delivered)
	assert.Empty(t, failed)
	assert.Zero(t, e3.count(), "non-subscriber must not receive channel traffic")

	delivered, _ = r.FanOut("room", []byte("hello"), "c1")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, e1.count(), "excluded sender must be skipped")
}

func TestFanOutReportsFailures(t *testing.T) {
	r := New()
	dead := &memEgress{fail: errors.New("closed")}
	live := &memEgress{}
	r.Add("dead", dead, nil)
	r.Add("live", live, nil)
	r.AddChannel("dead", "room")
	r.AddChannel("live", "room")

	delivered, failed := r.FanOut("room", []byte("x"), "")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"dead"}, failed)
}

func TestFanOutAll(t *testing.T) {
	r := New()
	e1, e2 := &memEgress{}, &memEgress{}
	r.Add("c1", e1, nil)
	r.Add("c2", e2, nil)

	delivered, failed := r.FanOutAll([]byte("announce"), "c2")
	assert.Equal(t, 1, delivered)
	assert.Empty(t, failed)
	assert.Equal(t, 1, e1.count())
	assert.Zero(t, e2.count())
}
