package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beamlabs/beamnode/internal/chainid"
)

// fileShardStore is the minimal on-disk ShardFile SyncController needs to
// resume a partial macroblock download: one flat file per (target, data
// shard) pair, appended to as portions arrive.
type fileShardStore struct {
	dir string
}

func newFileShardStore(dir string) *fileShardStore {
	return &fileShardStore{dir: dir}
}

func (f *fileShardStore) path(target chainid.StateID, data uint8) string {
	return filepath.Join(f.dir, fmt.Sprintf("%d-%x-%d.shard", target.Height, target.Hash[:8], data))
}

func (f *fileShardStore) Size(target chainid.StateID, data uint8) (uint64, error) {
	info, err := os.Stat(f.path(target, data))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (f *fileShardStore) Append(target chainid.StateID, data uint8, portion []byte) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path(target, data), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(portion)
	return err
}
