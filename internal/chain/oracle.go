package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/0gfoundation/0g-drain/internal/drain"
)

// ChannelReader reads channel records from the contract.
type ChannelReader interface {
	GetChannel(ctx context.Context, id common.Hash) (*drain.Channel, error)
}

// OracleOpts configures CachedOracle.
type OracleOpts struct {
	TTL         time.Duration // zero disables caching
	ReadTimeout time.Duration // per attempt; zero means the caller's deadline
	Retries     int           // extra attempts on transient errors
}

type cacheEntry struct {
	ch      *drain.Channel
	fetched time.Time
}

// CachedOracle fronts a ChannelReader with a short TTL cache. Concurrent
// misses for the same channel share one RPC call. Missing channels are not
// cached so a freshly opened channel is visible on the next request.
type CachedOracle struct {
	src   ChannelReader
	opts  OracleOpts
	log   *zap.Logger
	now   func() time.Time
	group singleflight.Group

	mu    sync.Mutex
	cache map[common.Hash]cacheEntry
}

func NewCachedOracle(src ChannelReader, opts OracleOpts, log *zap.Logger) *CachedOracle {
	return &CachedOracle{
		src:   src,
		opts:  opts,
		log:   log,
		now:   time.Now,
		cache: make(map[common.Hash]cacheEntry),
	}
}

// GetChannel returns a cached record younger than the TTL, or reads through.
func (o *CachedOracle) GetChannel(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	o.mu.Lock()
	e, ok := o.cache[id]
	o.mu.Unlock()
	if ok && o.now().Sub(e.fetched) < o.opts.TTL {
		return cloneChannel(e.ch), nil
	}
	return o.load(ctx, id, "cached:")
}

// Fresh always reads through and refreshes the cache. Used before claims
// and closes, where a stale claimed amount matters.
func (o *CachedOracle) Fresh(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	return o.load(ctx, id, "fresh:")
}

// Invalidate drops the cached record for id.
func (o *CachedOracle) Invalidate(id common.Hash) {
	o.mu.Lock()
	delete(o.cache, id)
	o.mu.Unlock()
}

// load reads through once per key at a time. The shared read runs detached
// from any single caller, bounded by ReadTimeout per attempt, so one caller
// giving up does not fail the others waiting on it.
func (o *CachedOracle) load(ctx context.Context, id common.Hash, flight string) (*drain.Channel, error) {
	res := o.group.DoChan(flight+id.Hex(), func() (any, error) {
		ch, err := o.readWithRetry(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		if ch.Exists() && o.opts.TTL > 0 {
			o.cache[id] = cacheEntry{ch: ch, fetched: o.now()}
		} else {
			delete(o.cache, id)
		}
		o.mu.Unlock()
		return ch, nil
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return cloneChannel(r.Val.(*drain.Channel)), nil
	case <-ctx.Done():
		return nil, drain.OnChain("getChannel", true, ctx.Err())
	}
}

func (o *CachedOracle) readWithRetry(ctx context.Context, id common.Hash) (*drain.Channel, error) {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		rctx, cancel := withTimeout(ctx, o.opts.ReadTimeout)
		ch, err := o.src.GetChannel(rctx, id)
		cancel()
		if err == nil {
			return ch, nil
		}
		if attempt >= o.opts.Retries || drain.KindOf(err) != drain.KindRetryLater {
			return nil, err
		}
		o.log.Warn("channel read failed, retrying",
			zap.String("channel", id.Hex()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, drain.OnChain("getChannel", true, ctx.Err())
		}
		backoff *= 2
	}
}

func cloneChannel(c *drain.Channel) *drain.Channel {
	out := *c
	for _, p := range []**big.Int{&out.Deposit, &out.Claimed, &out.Expiry} {
		if *p != nil {
			*p = new(big.Int).Set(*p)
		}
	}
	return &out
}
