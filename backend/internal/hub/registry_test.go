package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id    string
	block bool
	fail  error

	mu     sync.Mutex
	got    [][]byte
	closed int
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Send(ctx context.Context, msg []byte) error {
	if f.fail != nil {
		return f.fail
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSub) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.got...)
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	r := NewRegistry(time.Second)
	a := &fakeSub{id: "a"}

	r.Subscribe("d1", a)
	r.Subscribe("d1", a)
	assert.Equal(t, 1, r.Count("d1"))

	assert.True(t, r.Unsubscribe("d1", a))
	assert.False(t, r.Unsubscribe("d1", a))
	assert.False(t, r.Unsubscribe("unknown", a))
	assert.Equal(t, 0, r.Count("d1"))
}

func TestRegistry_BroadcastScopedToDocument(t *testing.T) {
	r := NewRegistry(time.Second)
	a, b, c := &fakeSub{id: "a"}, &fakeSub{id: "b"}, &fakeSub{id: "c"}
	r.Subscribe("d1", a)
	r.Subscribe("d1", b)
	r.Subscribe("d2", c)

	results := r.Broadcast("d1", []byte("hello"))
	require.Len(t, results, 2)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}

	assert.Equal(t, [][]byte{[]byte("hello")}, a.messages())
	assert.Equal(t, [][]byte{[]byte("hello")}, b.messages())
	assert.Empty(t, c.messages())

	assert.Nil(t, r.Broadcast("empty", []byte("x")))
}

func TestRegistry_BroadcastDropsFailedSubscribers(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	ok := &fakeSub{id: "ok"}
	slow := &fakeSub{id: "slow", block: true}
	broken := &fakeSub{id: "broken", fail: errors.New("socket closed")}
	r.Subscribe("d1", ok)
	r.Subscribe("d1", slow)
	r.Subscribe("d1", broken)

	results := r.Broadcast("d1", []byte("m1"))
	require.Len(t, results, 3)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, r.Count("d1"))
	assert.Equal(t, 1, slow.closed)
	assert.Equal(t, 1, broken.closed)
	assert.Equal(t, 0, ok.closed)

	r.Broadcast("d1", []byte("m2"))
	assert.Equal(t, [][]byte{[]byte("m1"), []byte("m2")}, ok.messages())
}
