package network

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSwitchState(t *testing.T) {
	s := NewSwitch(false, zerolog.New(os.Stdout))
	assert.False(t, s.IsOnline())

	s.SetOnline(true)
	assert.True(t, s.IsOnline())
}

func TestSwitchNotifiesOnChange(t *testing.T) {
	s := NewSwitch(false, zerolog.New(os.Stdout))

	var changes []bool
	s.Subscribe(func(online bool) {
		changes = append(changes, online)
	})

	s.SetOnline(true)
	s.SetOnline(true) // no change, no notification
	s.SetOnline(false)

	assert.Equal(t, []bool{true, false}, changes)
}

func TestSwitchUnsubscribe(t *testing.T) {
	s := NewSwitch(false, zerolog.New(os.Stdout))

	var calls int
	unsubscribe := s.Subscribe(func(online bool) { calls++ })

	s.SetOnline(true)
	unsubscribe()
	unsubscribe() // second call is a no-op
	s.SetOnline(false)

	assert.Equal(t, 1, calls)
}

func TestSwitchRecoversListenerPanic(t *testing.T) {
	s := NewSwitch(false, zerolog.New(os.Stdout))

	s.Subscribe(func(online bool) { panic("listener bug") })

	var notified bool
	s.Subscribe(func(online bool) { notified = true })

	assert.NotPanics(t, func() { s.SetOnline(true) })
	assert.True(t, notified, "remaining listeners still run after one panics")
}
