package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	var e Emitter[int]
	var got []string

	e.Subscribe(func(v int) { got = append(got, "a") })
	e.Subscribe(func(v int) { got = append(got, "b") })
	e.Emit(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	var e Emitter[string]
	var first, second int

	s1 := e.Subscribe(func(string) { first++ })
	e.Subscribe(func(string) { second++ })

	e.Emit("x")
	s1.Close()
	s1.Close()
	e.Emit("y")

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, e.Len())
}

func TestSubscriptionCloseDuringEmit(t *testing.T) {
	var e Emitter[struct{}]
	var calls int
	var sub *Subscription
	sub = e.Subscribe(func(struct{}) {
		calls++
		sub.Close()
	})

	e.Emit(struct{}{})
	e.Emit(struct{}{})

	assert.Equal(t, 1, calls)
	assert.Zero(t, e.Len())
}

func TestNilSubscriptionClose(t *testing.T) {
	var s *Subscription
	assert.NotPanics(t, s.Close)
}
