package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunPending_FIFO(t *testing.T) {
	l := New(nil)
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() {
		l.Post(func() { got = append(got, 99) })
	})

	assert.Equal(t, 5, l.RunPending())
	assert.Equal(t, []int{0, 1, 2, 99}, got)
	assert.Equal(t, 0, l.Len())
}

func TestRunPending_RecoversPanics(t *testing.T) {
	l := New(nil)
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	require.NotPanics(t, func() { l.RunPending() })
	assert.True(t, ran)
}

func TestRun_SerializesConcurrentPosts(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	counter := 0 // only touched on the loop
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() { counter++ })
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Call(context.Background(), func() { got = counter }))
	assert.Equal(t, 50, got)

	cancel()
	<-done
}

func TestCall_ContextExpires(t *testing.T) {
	l := New(nil) // never run
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
