package store

import (
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sdbondi/tari-dan/lib"
)

var (
	blockPrefix = lib.JoinLenPrefix([]byte("b/")) // committed blocks by shard group and height
	qcPrefix    = lib.JoinLenPrefix([]byte("q/")) // certificates of committed blocks by shard group and height
	hashPrefix  = lib.JoinLenPrefix([]byte("h/")) // block hash to shard group and height
	tipPrefix   = lib.JoinLenPrefix([]byte("t/")) // the resumable chain tip height of each shard group
	votePrefix  = lib.JoinLenPrefix([]byte("v/")) // the voting state of each shard group
)

/*
The Store is the committed chain of every shard group the node participates in, kept in a single BadgerDB.

Keys are length prefixed segments: prefix | shard group | big endian height, so iterating a prefix walks a
shard group's chain in height order. Every commit writes the block, its certificate, the hash index and the
tip in one badger transaction.

The tip of a shard group is the highest committed block that carries its own certificate. A committed dummy
block has no certificate of its own, a restarted engine re-derives it from the tip.

The voting state (last voted height, lock and highQC) of a shard group is a single record that is
overwritten before every vote, its last voted height never moves backwards.
*/

// Store persists committed blocks, it is safe for concurrent use
type Store struct {
	db  *badger.DB
	mu  sync.Mutex // serializes the read-modify-write of the tip
	log lib.LoggerI
}

// New() opens the store either in memory or on disk under the data directory
func New(config lib.StoreConfig, log lib.LoggerI) (*Store, lib.ErrorI) {
	opts := badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName))
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLogger(badgerLogger{log}).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return &Store{db: db, log: log}, nil
}

// NewInMemory() opens a store that lives only as long as the process
func NewInMemory(log lib.LoggerI) (*Store, lib.ErrorI) {
	return New(lib.StoreConfig{InMemory: true}, log)
}

// PersistCommittedBlock() writes a committed block with its certificate (nil for dummy blocks)
func (s *Store) PersistCommittedBlock(block *lib.Block, qc *lib.QuorumCertificate) lib.ErrorI {
	if block == nil {
		return lib.ErrNilBlock()
	}
	hash := block.Hash()
	if qc != nil && qc.BlockHash != hash {
		return lib.ErrJustifyMismatch("certificate does not certify the persisted block")
	}
	blockBz, err := lib.Marshal(block)
	if err != nil {
		return err
	}
	var qcBz []byte
	if qc != nil {
		if qcBz, err = lib.Marshal(qc); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, height := sgKey(block.ShardGroup), lib.Uint64ToBytes(block.Height)
	if e := s.db.Update(func(txn *badger.Txn) error {
		if er := txn.Set(lib.JoinLenPrefix(blockPrefix, sg, height), blockBz); er != nil {
			return ErrStoreSet(er)
		}
		if er := txn.Set(lib.JoinLenPrefix(hashPrefix, hash[:]), lib.JoinLenPrefix(sg, height)); er != nil {
			return ErrStoreSet(er)
		}
		if qc == nil {
			return nil
		}
		if er := txn.Set(lib.JoinLenPrefix(qcPrefix, sg, height), qcBz); er != nil {
			return ErrStoreSet(er)
		}
		// the tip never moves backwards
		tip, e := getHeight(txn, lib.JoinLenPrefix(tipPrefix, sg))
		if e != nil {
			return e
		}
		if tip != nil && *tip >= block.Height {
			return nil
		}
		if er := txn.Set(lib.JoinLenPrefix(tipPrefix, sg), height); er != nil {
			return ErrStoreSet(er)
		}
		return nil
	}); e != nil {
		return asError(e, ErrCommitDB)
	}
	s.log.Debugf("Persisted %s", block)
	return nil
}

// LoadChainTip() returns the resumable tip of a shard group and its certificate, or nil if nothing was committed
func (s *Store) LoadChainTip(sg lib.ShardGroup) (block *lib.Block, qc *lib.QuorumCertificate, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) lib.ErrorI {
		tip, e := getHeight(txn, lib.JoinLenPrefix(tipPrefix, sgKey(sg)))
		if e != nil || tip == nil {
			return e
		}
		if block, qc, e = getBlock(txn, sgKey(sg), lib.Uint64ToBytes(*tip)); e != nil {
			return e
		}
		if block == nil || qc == nil {
			return ErrNoChainTip(sg)
		}
		return nil
	})
	return
}

// PersistVoteState() overwrites the voting state of a shard group, a state with a lower last voted height is ignored
func (s *Store) PersistVoteState(sg lib.ShardGroup, state *lib.VoteState) lib.ErrorI {
	if state == nil {
		return nil
	}
	bz, err := lib.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lib.JoinLenPrefix(votePrefix, sgKey(sg))
	if e := s.db.Update(func(txn *badger.Txn) error {
		prev, er := getVoteState(txn, key)
		if er != nil {
			return er
		}
		if prev != nil && prev.LastVoted > state.LastVoted {
			return nil
		}
		if e := txn.Set(key, bz); e != nil {
			return ErrStoreSet(e)
		}
		return nil
	}); e != nil {
		return asError(e, ErrCommitDB)
	}
	return nil
}

// LoadVoteState() returns the voting state of a shard group, nil if none was persisted
func (s *Store) LoadVoteState(sg lib.ShardGroup) (state *lib.VoteState, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) (e lib.ErrorI) {
		state, e = getVoteState(txn, lib.JoinLenPrefix(votePrefix, sgKey(sg)))
		return
	})
	return
}

// GetBlock() returns the committed block of a shard group at a height and its certificate, nil if unknown
func (s *Store) GetBlock(sg lib.ShardGroup, height uint64) (block *lib.Block, qc *lib.QuorumCertificate, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) (e lib.ErrorI) {
		block, qc, e = getBlock(txn, sgKey(sg), lib.Uint64ToBytes(height))
		return
	})
	return
}

// GetBlockByHash() resolves a committed block by its hash, nil if unknown
func (s *Store) GetBlockByHash(hash lib.Hash) (block *lib.Block, qc *lib.QuorumCertificate, err lib.ErrorI) {
	err = s.view(func(txn *badger.Txn) lib.ErrorI {
		location, e := get(txn, lib.JoinLenPrefix(hashPrefix, hash[:]))
		if e != nil || location == nil {
			return e
		}
		sg, height, e := splitLocation(location)
		if e != nil {
			return e
		}
		block, qc, e = getBlock(txn, sg, height)
		return e
	})
	return
}

// IterateBlocks() calls cb for every committed block of a shard group from height upwards, in height order,
// until cb returns false
func (s *Store) IterateBlocks(sg lib.ShardGroup, from uint64, cb func(b *lib.Block) bool) lib.ErrorI {
	return s.view(func(txn *badger.Txn) lib.ErrorI {
		prefix := lib.JoinLenPrefix(blockPrefix, sgKey(sg))
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 16, Prefix: prefix})
		defer it.Close()
		for it.Seek(lib.JoinLenPrefix(blockPrefix, sgKey(sg), lib.Uint64ToBytes(from))); it.ValidForPrefix(prefix); it.Next() {
			bz, err := it.Item().ValueCopy(nil)
			if err != nil {
				return ErrStoreGet(err)
			}
			b := new(lib.Block)
			if e := lib.Unmarshal(bz, b); e != nil {
				return e
			}
			if !cb(b) {
				return nil
			}
		}
		return nil
	})
}

// Close() flushes and closes the database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

func (s *Store) view(fn func(txn *badger.Txn) lib.ErrorI) lib.ErrorI {
	if err := s.db.View(func(txn *badger.Txn) error {
		if e := fn(txn); e != nil {
			return e
		}
		return nil
	}); err != nil {
		return asError(err, ErrStoreGet)
	}
	return nil
}

// getBlock() reads a block and its optional certificate at a location
func getBlock(txn *badger.Txn, sg, height []byte) (*lib.Block, *lib.QuorumCertificate, lib.ErrorI) {
	bz, err := get(txn, lib.JoinLenPrefix(blockPrefix, sg, height))
	if err != nil || bz == nil {
		return nil, nil, err
	}
	block := new(lib.Block)
	if err = lib.Unmarshal(bz, block); err != nil {
		return nil, nil, err
	}
	if bz, err = get(txn, lib.JoinLenPrefix(qcPrefix, sg, height)); err != nil || bz == nil {
		return block, nil, err
	}
	qc := new(lib.QuorumCertificate)
	if err = lib.Unmarshal(bz, qc); err != nil {
		return nil, nil, err
	}
	return block, qc, nil
}

func getVoteState(txn *badger.Txn, key []byte) (*lib.VoteState, lib.ErrorI) {
	bz, err := get(txn, key)
	if err != nil || bz == nil {
		return nil, err
	}
	state := new(lib.VoteState)
	if err = lib.Unmarshal(bz, state); err != nil {
		return nil, err
	}
	return state, nil
}

// get() reads a value, a missing key is not an error
func get(txn *badger.Txn, key []byte) ([]byte, lib.ErrorI) {
	item, err := txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, ErrStoreGet(err)
	}
	bz, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return bz, nil
}

func getHeight(txn *badger.Txn, key []byte) (*uint64, lib.ErrorI) {
	bz, err := get(txn, key)
	if err != nil || bz == nil {
		return nil, err
	}
	h := lib.BytesToUint64(bz)
	return &h, nil
}

// sgKey() is the ordered key segment of a shard group
func sgKey(sg lib.ShardGroup) []byte {
	return lib.Uint64ToBytes(uint64(sg.Start)<<32 | uint64(sg.End))
}

// splitLocation() reverses lib.JoinLenPrefix(sgKey, height)
func splitLocation(bz []byte) (sg, height []byte, err lib.ErrorI) {
	if len(bz) != 18 || bz[0] != 8 || bz[9] != 8 {
		return nil, nil, ErrStoreGet(lib.ErrInvalidBlockHash())
	}
	return bz[1:9], bz[10:], nil
}

// asError() keeps the ErrorI returned from inside a transaction, wrapping any other error
func asError(err error, wrap func(error) lib.ErrorI) lib.ErrorI {
	if e, ok := err.(lib.ErrorI); ok {
		return e
	}
	return wrap(err)
}

// badgerLogger adapts LoggerI to badger's logger
type badgerLogger struct{ lib.LoggerI }

func (l badgerLogger) Warningf(format string, args ...interface{}) { l.Warnf(format, args...) }
