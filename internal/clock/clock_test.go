package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(10 * time.Second)
	assert.Equal(t, 1, f.Waiters())

	f.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(10*time.Second), got)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFake_NonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.Now())
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
