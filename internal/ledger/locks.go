package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// channelLocks hands out one mutex per channel. Entries are reference
// counted and dropped when the last holder or waiter leaves.
type channelLocks struct {
	mu sync.Mutex
	m  map[common.Hash]*chanLock
}

type chanLock struct {
	sem  chan struct{}
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{m: make(map[common.Hash]*chanLock)}
}

// acquire blocks until the channel lock is held or ctx is done.
func (l *channelLocks) acquire(ctx context.Context, id common.Hash) (func(), error) {
	l.mu.Lock()
	cl, ok := l.m[id]
	if !ok {
		cl = &chanLock{sem: make(chan struct{}, 1)}
		l.m[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.drop(id, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.sem
			l.drop(id, cl)
		})
	}, nil
}

func (l *channelLocks) drop(id common.Hash, cl *chanLock) {
	l.mu.Lock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}

func (l *channelLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
