// lockmap is a sharded lock map.
//
// The API is as if LockMap held a lock for every reconstruction unit;
// LockMap.Acquire(ru) acquires the lock for ru and LockMap.Release(ru)
// releases it. The array uses it to run one DAG at a time per stripe.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards so that shard i is
// responsible for maintaining the lock state of all ru such that
// ru % NSHARD = i. Acquiring a lock requires synchronizing with any threads
// accessing the same shard.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/go-raidframe/common"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.RUIndex]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[common.RUIndex]*lockState),
	}
}

func (lmap *lockShard) acquire(ru common.RUIndex) {
	lmap.mu.Lock()
	for {
		state, ok := lmap.state[ru]
		if !ok {
			state = &lockState{cond: sync.NewCond(lmap.mu)}
			lmap.state[ru] = state
		}
		if !state.held {
			state.held = true
			break
		}
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(ru common.RUIndex) {
	lmap.mu.Lock()
	state, ok := lmap.state[ru]
	if !ok || !state.held {
		lmap.mu.Unlock()
		panic("release of unheld lock")
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(lmap.state, ru)
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) held(ru common.RUIndex) bool {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[ru]
	return ok && state.held
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(ru common.RUIndex) *lockShard {
	return lmap.shards[uint64(ru)%NSHARD]
}

func (lmap *LockMap) Acquire(ru common.RUIndex) {
	lmap.shard(ru).acquire(ru)
}

func (lmap *LockMap) Release(ru common.RUIndex) {
	lmap.shard(ru).release(ru)
}

// Held reports whether ru is currently locked.
func (lmap *LockMap) Held(ru common.RUIndex) bool {
	return lmap.shard(ru).held(ru)
}
