package chain

import (
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger"
	cm "github.com/sectornet/routing/src/common"
)

const blockKeyPrefix = "block"

// BadgerStore implements the Store interface with a Badger database behind an
// in-memory rolling cache. Reads are served from the cache when possible and
// fall through to the database, so a joining peer can be served a chain
// suffix all the way from genesis.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

//NewBadgerStore opens (or creates) a database at path.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		inmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}, nil
}

//==============================================================================
//Keys

func blockKey(prefix string, index int) []byte {
	return []byte(fmt.Sprintf("%s_%s_%09d", blockKeyPrefix, prefix, index))
}

func lastIndexKey(prefix string) []byte {
	return []byte(fmt.Sprintf("%s_%s_last", blockKeyPrefix, prefix))
}

//==============================================================================
//Store interface

// SetBlock implements the Store interface.
func (s *BadgerStore) SetBlock(block *Block) error {
	if err := s.dbSetBlock(block); err != nil {
		return err
	}
	return s.inmemStore.SetBlock(block)
}

// GetBlock implements the Store interface.
func (s *BadgerStore) GetBlock(prefix string, index int) (*Block, error) {
	block, err := s.inmemStore.GetBlock(prefix, index)
	if err != nil {
		block, err = s.dbGetBlock(prefix, index)
	}
	return block, err
}

// LastIndex implements the Store interface.
func (s *BadgerStore) LastIndex(prefix string) (int, error) {
	last, err := s.inmemStore.LastIndex(prefix)
	if err != nil {
		last, err = s.dbGetLastIndex(prefix)
	}
	return last, err
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbSetBlock(block *Block) error {
	raw, err := block.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *badger.Txn) error {
		if err := tx.Set(blockKey(block.Prefix(), block.Index()), raw); err != nil {
			return err
		}
		return tx.Set(lastIndexKey(block.Prefix()), []byte(strconv.Itoa(block.Index())))
	})
}

func (s *BadgerStore) dbGetBlock(prefix string, index int) (*Block, error) {
	var raw []byte

	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(blockKey(prefix, index))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, cm.NewStoreErr("BadgerBlock", cm.KeyNotFound, strconv.Itoa(index))
	}

	block := new(Block)
	if err := block.Unmarshal(raw); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *BadgerStore) dbGetLastIndex(prefix string) (int, error) {
	var raw []byte

	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(lastIndexKey(prefix))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return -1, cm.NewStoreErr("BadgerBlock", cm.KeyNotFound, displayPrefix(prefix))
	}

	return strconv.Atoi(string(raw))
}
