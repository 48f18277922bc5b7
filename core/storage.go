package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

const (
	blocksDirName   = "blocks"
	stateDirName    = "state"
	txIndexDirName  = "tx_index"
	indexFileName   = "index.dat"
	blockFilePrefix = "block_"
	blockFileSuffix = ".dat"
)

// Storage is the durable storage engine (C4): a block store keyed by height
// and hash, a transaction index, and a state KV. Grounded on the teacher's
// ledger.go WAL/snapshot/scan-wins-on-mismatch discipline for the block
// store half, and on go-ethereum's dependency on cockroachdb/pebble for the
// embedded-KV half (spec.md §6 permits "any embedded KV store with
// durability guarantees").
type Storage struct {
	mu        sync.RWMutex
	dataDir   string
	blocksDir string

	byHeight map[uint64]BlockMetadata
	byHash   map[Hash]uint64

	state *pebble.DB
	txidx *pebble.DB

	log *logrus.Logger
}

// OpenStorage opens (creating if absent) the on-disk layout under dataDir
// and rebuilds the block index by scanning the blocks directory, per §4.3's
// recovery rule: if the index snapshot disagrees with the scan, the scan
// wins.
func OpenStorage(dataDir string, log *logrus.Logger) (*Storage, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	blocksDir := filepath.Join(dataDir, blocksDirName)
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir blocks: %v", ErrIoError, err)
	}

	state, err := pebble.Open(filepath.Join(dataDir, stateDirName), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open state kv: %v", ErrIoError, err)
	}
	txidx, err := pebble.Open(filepath.Join(dataDir, txIndexDirName), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open tx index: %v", ErrIoError, err)
	}

	s := &Storage{
		dataDir:   dataDir,
		blocksDir: blocksDir,
		byHeight:  make(map[uint64]BlockMetadata),
		byHash:    make(map[Hash]uint64),
		state:     state,
		txidx:     txidx,
		log:       log,
	}
	if err := s.rebuildIndex(); err != nil {
		state.Close()
		txidx.Close()
		return nil, err
	}
	return s, nil
}

// rebuildIndex scans the blocks directory and reconstructs byHeight/byHash,
// then compares against the persisted snapshot purely for diagnostics — the
// scan is always authoritative.
func (s *Storage) rebuildIndex() error {
	entries, err := os.ReadDir(s.blocksDir)
	if err != nil {
		return fmt.Errorf("%w: read blocks dir: %v", ErrIoError, err)
	}
	scanned := make(map[uint64]BlockMetadata)
	for _, e := range entries {
		if e.IsDir() || e.Name() == indexFileName {
			continue
		}
		height, ok := parseBlockFileName(e.Name())
		if !ok {
			continue
		}
		blk, err := s.readBlockFile(height)
		if err != nil {
			s.log.WithError(err).WithField("height", height).Warn("skipping unreadable block file during scan")
			continue
		}
		scanned[height] = BlockMetadata{
			Height:  height,
			Hash:    blk.Hash,
			Ts:      blk.TimestampMs,
			TxCount: len(blk.Transactions),
		}
	}

	snapshot := s.loadIndexSnapshot()
	if !indexesEqual(scanned, snapshot) {
		s.log.Warn("block index snapshot disagreed with directory scan; scan wins")
	}

	s.byHeight = scanned
	s.byHash = make(map[Hash]uint64, len(scanned))
	for h, md := range scanned {
		s.byHash[md.Hash] = h
	}
	return nil
}

func indexesEqual(a, b map[uint64]BlockMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for h, md := range a {
		other, ok := b[h]
		if !ok || other.Hash != md.Hash {
			return false
		}
	}
	return true
}

func (s *Storage) loadIndexSnapshot() map[uint64]BlockMetadata {
	raw, err := os.ReadFile(filepath.Join(s.blocksDir, indexFileName))
	if err != nil {
		return nil
	}
	var records []BlockMetadata
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	out := make(map[uint64]BlockMetadata, len(records))
	for _, r := range records {
		out[r.Height] = r
	}
	return out
}

func (s *Storage) writeIndexSnapshot() error {
	records := make([]BlockMetadata, 0, len(s.byHeight))
	for _, md := range s.byHeight {
		records = append(records, md)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Height < records[j].Height })
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.blocksDir, indexFileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return os.Rename(tmp, path)
}

func blockFileName(height uint64) string {
	return fmt.Sprintf("%s%010d%s", blockFilePrefix, height, blockFileSuffix)
}

func parseBlockFileName(name string) (uint64, bool) {
	if len(name) != len(blockFilePrefix)+10+len(blockFileSuffix) {
		return 0, false
	}
	if name[:len(blockFilePrefix)] != blockFilePrefix || filepath.Ext(name) != blockFileSuffix {
		return 0, false
	}
	digits := name[len(blockFilePrefix) : len(name)-len(blockFileSuffix)]
	var height uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		height = height*10 + uint64(c-'0')
	}
	return height, true
}

func (s *Storage) readBlockFile(height uint64) (Block, error) {
	raw, err := os.ReadFile(filepath.Join(s.blocksDir, blockFileName(height)))
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return DecodeBlock(raw)
}

// PutBlock persists b, fsyncing the block file, updates the in-memory
// height/hash indexes, and rewrites and fsyncs the index snapshot on every
// call.
func (s *Storage) PutBlock(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := EncodeBlock(b)
	if err != nil {
		return fmt.Errorf("%w: encode block: %v", ErrIoError, err)
	}
	path := filepath.Join(s.blocksDir, blockFileName(b.Index))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}

	s.byHeight[b.Index] = BlockMetadata{Height: b.Index, Hash: b.Hash, Ts: b.TimestampMs, TxCount: len(b.Transactions)}
	s.byHash[b.Hash] = b.Index

	if err := s.writeIndexSnapshot(); err != nil {
		return err
	}
	return nil
}

// GetBlock returns the block at height, an O(1) index lookup followed by a
// file read.
func (s *Storage) GetBlock(height uint64) (Block, bool, error) {
	s.mu.RLock()
	_, ok := s.byHeight[height]
	s.mu.RUnlock()
	if !ok {
		return Block{}, false, nil
	}
	blk, err := s.readBlockFile(height)
	if err != nil {
		return Block{}, false, err
	}
	return blk, true, nil
}

// GetBlockByHash returns the block with the given hash, if indexed.
func (s *Storage) GetBlockByHash(hash Hash) (Block, bool, error) {
	s.mu.RLock()
	height, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return Block{}, false, nil
	}
	return s.GetBlock(height)
}

// LatestHeight returns the maximum indexed height, 0 if empty.
func (s *Storage) LatestHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for h := range s.byHeight {
		if h > max {
			max = h
		}
	}
	return max
}

// HasBlock reports whether height is indexed.
func (s *Storage) HasBlock(height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byHeight[height]
	return ok
}

// VerifyChain iterates from height 1 upward reloading each block and
// asserting invariant (4): previous_hash matches the predecessor's stored
// hash and hash matches the recomputed header hash. Returns false and the
// first violation encountered, if any.
func (s *Storage) VerifyChain() (bool, error) {
	latest := s.LatestHeight()
	for h := uint64(1); h <= latest; h++ {
		blk, ok, err := s.GetBlock(h)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("verify_chain: missing block at height %d", h)
		}
		prev, ok, err := s.GetBlock(h - 1)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("verify_chain: missing predecessor at height %d", h-1)
		}
		if blk.PreviousHash != prev.Hash {
			return false, fmt.Errorf("%w: at height %d", ErrPreviousHashMismatch, h)
		}
		if CanonicalBlockHash(&blk) != blk.Hash {
			return false, fmt.Errorf("%w: at height %d", ErrHashMismatch, h)
		}
		if MerkleRoot(blk.Transactions) != blk.MerkleRoot {
			return false, fmt.Errorf("%w: at height %d", ErrMerkleMismatch, h)
		}
	}
	return true, nil
}

// IndexTx records tx_hash → (height, position).
func (s *Storage) IndexTx(hash Hash, height uint64, position int) error {
	var val [16]byte
	binary.LittleEndian.PutUint64(val[0:8], height)
	binary.LittleEndian.PutUint64(val[8:16], uint64(position))
	if err := s.txidx.Set(hash[:], val[:], pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return nil
}

// FindTx looks up a transaction's (height, position) by hash.
func (s *Storage) FindTx(hash Hash) (height uint64, position int, found bool, err error) {
	val, closer, err := s.txidx.Get(hash[:])
	if err == pebble.ErrNotFound {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	defer closer.Close()
	if len(val) != 16 {
		return 0, 0, false, fmt.Errorf("%w: malformed tx index record", ErrCorruption)
	}
	height = binary.LittleEndian.Uint64(val[0:8])
	position = int(binary.LittleEndian.Uint64(val[8:16]))
	return height, position, true, nil
}

// GetState implements StateKV.
func (s *Storage) GetState(key []byte) ([]byte, error) {
	val, closer, err := s.state.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// SetState implements StateKV. Writes survive a crash after this call
// returns (fsynced).
func (s *Storage) SetState(key, value []byte) error {
	if err := s.state.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return nil
}

// DeleteState implements StateKV.
func (s *Storage) DeleteState(key []byte) error {
	if err := s.state.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return nil
}

// HasState implements StateKV.
func (s *Storage) HasState(key []byte) (bool, error) {
	v, err := s.GetState(key)
	return v != nil, err
}

type pebbleIterator struct {
	it *pebble.Iterator
	ok bool
}

func (p *pebbleIterator) Next() bool {
	if !p.ok {
		p.ok = p.it.First()
		return p.ok
	}
	p.ok = p.it.Next()
	return p.ok
}

func (p *pebbleIterator) Key() []byte   { return p.it.Key() }
func (p *pebbleIterator) Value() []byte { return p.it.Value() }
func (p *pebbleIterator) Close() error  { return p.it.Close() }

// PrefixIterator implements StateKV.
func (s *Storage) PrefixIterator(prefix []byte) StateIterator {
	upper := append(bytes.Clone(prefix), 0xff)
	it, err := s.state.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return &pebbleIterator{}
	}
	return &pebbleIterator{it: it}
}

// Close flushes and closes both embedded databases.
func (s *Storage) Close() error {
	var firstErr error
	if err := s.state.Close(); err != nil {
		firstErr = err
	}
	if err := s.txidx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ io.Closer = (*Storage)(nil)
