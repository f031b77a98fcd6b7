package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beamlabs/beamnode/internal/chainid"
)

// ShardFiles resumes partial macroblock shard downloads from disk (spec
// §4.5's "open the local partial-shard file"). The macroblock file format
// itself is out of scope; this only tracks byte offsets per (target,
// shard), so stdlib os/filepath is the right tool here rather than a
// third-party store — there is no parsing or indexing to delegate.
type ShardFiles struct {
	root string
}

// NewShardFiles roots shard files under dir (typically config.MacroblockDir()).
func NewShardFiles(dir string) *ShardFiles {
	return &ShardFiles{root: dir}
}

func (s *ShardFiles) path(target chainid.StateID, data uint8) string {
	return filepath.Join(s.root, fmt.Sprintf("%d-%x", target.Height, target.Hash[:8]), fmt.Sprintf("shard-%d", data))
}

// Size satisfies sync.ShardFile.
func (s *ShardFiles) Size(target chainid.StateID, data uint8) (uint64, error) {
	info, err := os.Stat(s.path(target, data))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Append satisfies sync.ShardFile.
func (s *ShardFiles) Append(target chainid.StateID, data uint8, portion []byte) error {
	p := s.path(target, data)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(portion)
	return err
}
