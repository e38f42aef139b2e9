package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-drain/internal/voucher"
)

const (
	channelKeyPrefix = "drain:channel:"
	voucherKeyPrefix = "drain:vouchers:"
)

func channelKey(id common.Hash) string { return channelKeyPrefix + id.Hex() }
func voucherKey(id common.Hash) string { return voucherKeyPrefix + id.Hex() }

// RedisStore keeps each ChannelState in a hash and the voucher history in a list.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) GetChannel(ctx context.Context, id common.Hash) (*ChannelState, error) {
	vals, err := s.rdb.HGetAll(ctx, channelKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return channelFromMap(vals)
}

func (s *RedisStore) Put(ctx context.Context, st *ChannelState, v *voucher.Stored) error {
	fields, err := channelToMap(st)
	if err != nil {
		return err
	}
	var entry []byte
	if v != nil {
		if entry, err = json.Marshal(v); err != nil {
			return fmt.Errorf("encode voucher: %w", err)
		}
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, channelKey(st.ChannelID), fields)
		if entry != nil {
			pipe.RPush(ctx, voucherKey(st.ChannelID), entry)
		}
		return nil
	})
	return err
}

// PutClaimed rewrites the matching history entry in place. The history key
// is watched so a concurrent append aborts the transaction.
func (s *RedisStore) PutClaimed(ctx context.Context, st *ChannelState) error {
	fields, err := channelToMap(st)
	if err != nil {
		return err
	}
	key := voucherKey(st.ChannelID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var (
			idx   = -1
			entry []byte
		)
		if st.LastVoucher != nil {
			hist, err := decodeVouchers(tx.LRange(ctx, key, 0, -1))
			if err != nil {
				return err
			}
			if idx = markEntry(hist, st.LastVoucher); idx >= 0 {
				if entry, err = json.Marshal(&hist[idx]); err != nil {
					return fmt.Errorf("encode voucher: %w", err)
				}
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, channelKey(st.ChannelID), fields)
			if idx >= 0 {
				pipe.LSet(ctx, key, int64(idx), entry)
			}
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Vouchers(ctx context.Context, id common.Hash) ([]voucher.Stored, error) {
	return decodeVouchers(s.rdb.LRange(ctx, voucherKey(id), 0, -1))
}

func decodeVouchers(cmd *redis.StringSliceCmd) ([]voucher.Stored, error) {
	raw, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	out := make([]voucher.Stored, 0, len(raw))
	for _, r := range raw {
		var v voucher.Stored
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("decode voucher: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id common.Hash) error {
	return s.rdb.Del(ctx, channelKey(id), voucherKey(id)).Err()
}

// ListChannels returns every tracked channel.
func (s *RedisStore) ListChannels(ctx context.Context) ([]*ChannelState, error) {
	var out []*ChannelState
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, channelKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan channels: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			st, err := channelFromMap(vals)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, st)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func channelToMap(st *ChannelState) (map[string]any, error) {
	m := map[string]any{
		"channel_id":       st.ChannelID.Hex(),
		"consumer":         st.Consumer.Hex(),
		"deposit":          bigString(st.Deposit),
		"total_charged":    bigString(st.TotalCharged),
		"created_at":       st.CreatedAt,
		"last_activity_at": st.LastActivityAt,
		"last_voucher":     "",
	}
	if st.LastVoucher != nil {
		b, err := json.Marshal(st.LastVoucher)
		if err != nil {
			return nil, fmt.Errorf("encode last voucher: %w", err)
		}
		m["last_voucher"] = string(b)
	}
	return m, nil
}

func channelFromMap(m map[string]string) (*ChannelState, error) {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	lastActivityAt, _ := strconv.ParseInt(m["last_activity_at"], 10, 64)
	deposit, ok := new(big.Int).SetString(m["deposit"], 10)
	if !ok {
		return nil, fmt.Errorf("bad deposit %q", m["deposit"])
	}
	charged, ok := new(big.Int).SetString(m["total_charged"], 10)
	if !ok {
		return nil, fmt.Errorf("bad total_charged %q", m["total_charged"])
	}
	st := &ChannelState{
		ChannelID:      common.HexToHash(m["channel_id"]),
		Consumer:       common.HexToAddress(m["consumer"]),
		Deposit:        deposit,
		TotalCharged:   charged,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivityAt,
	}
	if lv := m["last_voucher"]; lv != "" {
		st.LastVoucher = new(voucher.Stored)
		if err := json.Unmarshal([]byte(lv), st.LastVoucher); err != nil {
			return nil, fmt.Errorf("decode last voucher: %w", err)
		}
	}
	return st, nil
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
