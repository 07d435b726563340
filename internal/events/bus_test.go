package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(New(KindOrder))
	assert.Equal(t, KindOrder, (<-ch1).Kind)
	assert.Equal(t, KindOrder, (<-ch2).Kind)

	// A cancelled subscriber stops receiving; the other is unaffected.
	cancel1()
	b.Publish(New(KindFill))
	assert.Equal(t, KindFill, (<-ch2).Kind)

	_, open := <-ch1
	assert.False(t, open)
}

func TestBusDropsWhenSubscriberStalls(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < defaultBuffer+10; i++ {
		b.Publish(New(KindSession))
	}
	assert.Equal(t, uint64(10), b.Dropped())
	require.Len(t, ch, defaultBuffer)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancel := b.Subscribe()
	cancel()
	cancel()
}
