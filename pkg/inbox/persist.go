package inbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const stateFileVersion = 1

type stateFile struct {
	Version  int                       `cbor:"version"`
	Accounts map[AccountID]Snapshot    `cbor:"accounts"`
	Info     map[AccountID]AccountInfo `cbor:"info,omitempty"`
}

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("inbox: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("inbox: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("inbox: zstd decoder initialization failed: " + err.Error())
	}
}

// SaveFile writes every account's snapshot to path as zstd-compressed
// CBOR. The file is replaced atomically so a crash mid-write leaves the
// previous state intact.
func (s *Store) SaveFile(path string) error {
	state := stateFile{
		Version:  stateFileVersion,
		Accounts: make(map[AccountID]Snapshot),
		Info:     make(map[AccountID]AccountInfo),
	}
	for _, id := range s.Accounts() {
		state.Accounts[id] = s.Snapshot(id)
		if acc := s.account(id, false); acc != nil {
			acc.mu.RLock()
			state.Info[id] = acc.info
			acc.mu.RUnlock()
		}
	}

	data, err := encMode.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeFileAtomic(path, zstdEncoder.EncodeAll(data, nil))
}

// LoadFile restores state written by SaveFile. A missing file is not an
// error. Entities are loaded through Restore, so flags are kept as saved.
func (s *Store) LoadFile(path string) error {
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	var state stateFile
	if err := cbor.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if state.Version != stateFileVersion {
		return fmt.Errorf("state file version %d, want %d", state.Version, stateFileVersion)
	}

	var errs []error
	for id, snap := range state.Accounts {
		if info, ok := state.Info[id]; ok {
			s.SetAccount(id, info)
		}
		if _, err := s.RestoreSnapshot(id, snap); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

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
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
