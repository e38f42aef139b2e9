package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-drain/internal/voucher"
)

type fileData struct {
	Channels map[common.Hash]*ChannelState    `json:"channels"`
	Vouchers map[common.Hash][]voucher.Stored `json:"vouchers"`
}

// FileStore keeps the whole ledger in one JSON document. Every mutation
// rewrites the file through a temp file and rename, so a crash leaves either
// the old or the new document on disk.
type FileStore struct {
	path string

	mu   sync.Mutex
	data fileData
}

// OpenFileStore loads path, starting empty when it does not exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileData{
			Channels: make(map[common.Hash]*ChannelState),
			Vouchers: make(map[common.Hash][]voucher.Stored),
		},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if s.data.Channels == nil {
		s.data.Channels = make(map[common.Hash]*ChannelState)
	}
	if s.data.Vouchers == nil {
		s.data.Vouchers = make(map[common.Hash][]voucher.Stored)
	}
	return s, nil
}

func (s *FileStore) GetChannel(_ context.Context, id common.Hash) (*ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data.Channels[id]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *FileStore) Put(_ context.Context, st *ChannelState, v *voucher.Stored) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevState, hadState := s.data.Channels[st.ChannelID]
	prevHist := s.data.Vouchers[st.ChannelID]

	s.data.Channels[st.ChannelID] = st.Clone()
	if v != nil {
		entry := *v
		entry.Voucher = *v.Voucher.Clone()
		s.data.Vouchers[st.ChannelID] = append(prevHist[:len(prevHist):len(prevHist)], entry)
	}
	if err := s.flush(); err != nil {
		if hadState {
			s.data.Channels[st.ChannelID] = prevState
		} else {
			delete(s.data.Channels, st.ChannelID)
		}
		s.data.Vouchers[st.ChannelID] = prevHist
		return err
	}
	return nil
}

func (s *FileStore) PutClaimed(_ context.Context, st *ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevState, hadState := s.data.Channels[st.ChannelID]
	prevHist := s.data.Vouchers[st.ChannelID]

	s.data.Channels[st.ChannelID] = st.Clone()
	if st.LastVoucher != nil {
		hist := make([]voucher.Stored, len(prevHist))
		copy(hist, prevHist)
		if markEntry(hist, st.LastVoucher) >= 0 {
			s.data.Vouchers[st.ChannelID] = hist
		}
	}
	if err := s.flush(); err != nil {
		if hadState {
			s.data.Channels[st.ChannelID] = prevState
		} else {
			delete(s.data.Channels, st.ChannelID)
		}
		s.data.Vouchers[st.ChannelID] = prevHist
		return err
	}
	return nil
}

func (s *FileStore) ListChannels(_ context.Context) ([]*ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ChannelState, 0, len(s.data.Channels))
	for _, st := range s.data.Channels {
		out = append(out, st.Clone())
	}
	return out, nil
}

func (s *FileStore) Vouchers(_ context.Context, id common.Hash) ([]voucher.Stored, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.data.Vouchers[id]
	out := make([]voucher.Stored, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, hadState := s.data.Channels[id]
	hist, hadHist := s.data.Vouchers[id]
	delete(s.data.Channels, id)
	delete(s.data.Vouchers, id)
	if err := s.flush(); err != nil {
		if hadState {
			s.data.Channels[id] = st
		}
		if hadHist {
			s.data.Vouchers[id] = hist
		}
		return err
	}
	return nil
}

// flush writes the document atomically. Caller holds s.mu.
func (s *FileStore) flush() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return WriteFileAtomic(s.path, raw, 0o600)
}

// WriteFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
