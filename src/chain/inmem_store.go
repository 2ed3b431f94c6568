package chain

import (
	"strconv"

	cm "github.com/sectornet/routing/src/common"
)

// InmemStore implements the Store interface with in-memory rolling caches,
// one per section prefix. When a cache is full, older blocks are evicted, so
// InmemStore is not suitable for long running deployments where joining nodes
// expect to replay a chain from genesis.
type InmemStore struct {
	cacheSize int
	blocks    map[string]*cm.RollingIndex //prefix => blocks
}

// NewInmemStore creates a new InmemStore where each per-prefix cache is
// limited to cacheSize blocks.
func NewInmemStore(cacheSize int) *InmemStore {
	return &InmemStore{
		cacheSize: cacheSize,
		blocks:    make(map[string]*cm.RollingIndex),
	}
}

// SetBlock implements the Store interface.
func (s *InmemStore) SetBlock(block *Block) error {
	idx, ok := s.blocks[block.Prefix()]
	if !ok {
		idx = cm.NewRollingIndex("BlockCache", s.cacheSize)
		s.blocks[block.Prefix()] = idx
	}
	return idx.Set(block, block.Index())
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(prefix string, index int) (*Block, error) {
	idx, ok := s.blocks[prefix]
	if !ok {
		return nil, cm.NewStoreErr("BlockCache", cm.KeyNotFound, displayPrefix(prefix))
	}
	item, err := idx.GetItem(index)
	if err != nil {
		return nil, err
	}
	return item.(*Block), nil
}

// LastIndex implements the Store interface.
func (s *InmemStore) LastIndex(prefix string) (int, error) {
	idx, ok := s.blocks[prefix]
	if !ok {
		return -1, cm.NewStoreErr("BlockCache", cm.KeyNotFound, displayPrefix(prefix))
	}
	_, last := idx.GetLastWindow()
	if last < 0 {
		return -1, cm.NewStoreErr("BlockCache", cm.Empty, strconv.Itoa(last))
	}
	return last, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
