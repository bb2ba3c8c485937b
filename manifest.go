package segkv

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Manifest file name and magic
const (
	manifestFileName        = "MANIFEST"
	manifestMagic    uint32 = 0x4D414E49 // "MANI"
	manifestHeader          = 8          // magic(4) + crc32(4)
)

// manifestState is the persisted description of a store: its identity and
// the live segments, oldest first.
type manifestState struct {
	StoreID  string            `msgpack:"store_id"`
	NextID   uint32            `msgpack:"next_id"`
	Segments []manifestSegment `msgpack:"segments"`
}

// manifestSegment records a segment without requiring its file to be read.
type manifestSegment struct {
	ID       uint32 `msgpack:"id"`
	NumKeys  uint64 `msgpack:"num_keys"`
	MinKey   []byte `msgpack:"min_key"`
	MaxKey   []byte `msgpack:"max_key"`
	FileSize int64  `msgpack:"file_size"`
}

func newManifestState() *manifestState {
	return &manifestState{StoreID: uuid.NewString()}
}

// readManifest loads the manifest in dir. It returns (nil, nil) when the
// store has no manifest yet.
func readManifest(dir string) (*manifestState, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	if len(data) < manifestHeader || binary.LittleEndian.Uint32(data[0:]) != manifestMagic {
		return nil, ErrInvalidManifest
	}
	payload := data[manifestHeader:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[4:]) {
		return nil, errors.Wrap(ErrInvalidManifest, "checksum mismatch")
	}

	state := &manifestState{}
	if err := msgpack.Unmarshal(payload, state); err != nil {
		return nil, errors.Wrap(ErrInvalidManifest, err.Error())
	}
	return state, nil
}

// writeManifest atomically replaces the manifest in dir: the new content is
// written to a temporary file, synced, renamed over the old one and the
// directory entry is synced.
func writeManifest(dir string, state *manifestState) error {
	payload, err := msgpack.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}

	buf := make([]byte, manifestHeader, manifestHeader+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], manifestMagic)
	binary.LittleEndian.PutUint32(buf[4:], crc32.ChecksumIEEE(payload))
	buf = append(buf, payload...)

	path := filepath.Join(dir, manifestFileName)
	tmpPath := path + tmpExt
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create manifest")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close manifest")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename manifest")
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir")
	}
	defer d.Close()
	// Directory fsync is unsupported on some platforms.
	if err := d.Sync(); err != nil && !isUnsupportedSync(err) {
		return errors.Wrap(err, "sync dir")
	}
	return nil
}
