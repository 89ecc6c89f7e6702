package reactor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAwaitRunsAndBlocks(t *testing.T) {
	p := NewPool(2)
	defer p.Shutdown()

	ran := false
	p.At(0).Await(func() { ran = true })
	require.True(t, ran)
}

func TestAwaitSerializesPerReactor(t *testing.T) {
	p := NewPool(1)
	defer p.Shutdown()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.At(0).Await(func() {
				cur := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
						break
					}
				}
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestAwaitOnAllCoversEveryReactor(t *testing.T) {
	p := NewPool(4)
	defer p.Shutdown()

	var mu sync.Mutex
	seen := map[int]bool{}
	p.AwaitOnAll(func(idx int, r *Reactor) {
		mu.Lock()
		seen[idx] = true
		mu.Unlock()
		require.Equal(t, idx, r.Index())
	})
	require.Len(t, seen, 4)
}

func TestShutdownJoinsFibers(t *testing.T) {
	p := NewPool(2)

	var done atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		p.At(i % 2).Go(func() {
			<-release
			done.Add(1)
		})
	}
	close(release)
	p.Shutdown()
	require.Equal(t, int32(4), done.Load())
}
