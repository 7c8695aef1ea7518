package lockmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-raidframe/common"
)

func TestAcquireRelease(t *testing.T) {
	assert := assert.New(t)
	l := MkLockMap()
	l.Acquire(7)
	assert.True(l.Held(7))
	assert.False(l.Held(7+common.RUIndex(NSHARD)), "same shard, different unit")
	l.Acquire(7 + common.RUIndex(NSHARD))
	l.Release(7)
	assert.False(l.Held(7))
	assert.True(l.Held(7 + common.RUIndex(NSHARD)))
	l.Release(7 + common.RUIndex(NSHARD))
	assert.Panics(func() { l.Release(7) })
}

func TestAcquireWaits(t *testing.T) {
	l := MkLockMap()
	l.Acquire(3)
	acquired := make(chan struct{})
	go func() {
		l.Acquire(3)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Acquire did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release(3)
	<-acquired
	assert.True(t, l.Held(3))
	l.Release(3)
}

func TestMutualExclusion(t *testing.T) {
	l := MkLockMap()
	counters := make([]int, 4)
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ru := common.RUIndex((g + i) % len(counters))
				l.Acquire(ru)
				v := counters[ru]
				counters[ru] = v + 1
				l.Release(ru)
			}
		}(g)
	}
	wg.Wait()
	total := 0
	for _, c := range counters {
		total += c
	}
	assert.Equal(t, 16*200, total)
}
