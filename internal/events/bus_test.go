package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	ping Name = "ping"
	pong Name = "pong"
)

func TestEmitRunsHandlersInSubscriptionOrder(t *testing.T) {
	var b Bus[int]
	var got []string

	b.Subscribe(ping, func(v int) { got = append(got, "first") })
	b.Subscribe(pong, func(v int) { got = append(got, "other") })
	b.Subscribe(ping, func(v int) { got = append(got, "second") })

	n := b.Emit(ping, 1)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestUnsubscribe(t *testing.T) {
	var b Bus[string]
	calls := 0
	unsubscribe := b.Subscribe(ping, func(string) { calls++ })

	b.Emit(ping, "a")
	unsubscribe()
	unsubscribe()
	b.Emit(ping, "b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Len(ping))
}

func TestUnsubscribeDuringEmitSkipsLaterHandler(t *testing.T) {
	var b Bus[int]
	var secondCalled bool
	var unsubscribeSecond func()

	b.Subscribe(ping, func(int) { unsubscribeSecond() })
	unsubscribeSecond = b.Subscribe(ping, func(int) { secondCalled = true })

	assert.Equal(t, 1, b.Emit(ping, 0))
	assert.False(t, secondCalled)
}

func TestCloseDuringEmitFinishesQueuedHandlers(t *testing.T) {
	var b Bus[int]
	var got []int

	b.Subscribe(ping, func(v int) {
		got = append(got, v)
		b.Close()
		// New emissions after close deliver nothing.
		b.Emit(ping, v+100)
	})
	b.Subscribe(ping, func(v int) { got = append(got, v*10) })

	assert.Equal(t, 2, b.Emit(ping, 1))
	assert.Equal(t, []int{1, 10}, got)
	assert.Equal(t, 0, b.Emit(ping, 2))
}

func TestSubscribeAfterClose(t *testing.T) {
	var b Bus[int]
	b.Close()

	called := false
	unsubscribe := b.Subscribe(ping, func(int) { called = true })
	unsubscribe()

	assert.Equal(t, 0, b.Emit(ping, 1))
	assert.False(t, called)
}

func TestHandlerMaySubscribeDuringEmit(t *testing.T) {
	var b Bus[int]
	late := 0
	b.Subscribe(ping, func(int) {
		b.Subscribe(ping, func(int) { late++ })
	})

	b.Emit(ping, 1)
	assert.Equal(t, 0, late)
	b.Emit(ping, 2)
	assert.Equal(t, 1, late)
}
