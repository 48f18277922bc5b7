package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxBlocksPerRequest = 100
	syncRoundTimeout    = 15 * time.Second
)

// SyncManager drives block/tx broadcast, range requests, and fork
// resolution (C8). Grounded on the teacher's ChainForkManager
// (chain_fork_manager.go: AddForkBlock/ResolveForks/RecoverLongestFork),
// generalized from longest-branch-wins to the spec's accumulated
// stake-weight fork choice with lexicographic hash tie-break (§4.7).
type SyncManager struct {
	storage    *Storage
	ledger     *Ledger
	validators *ValidatorSet
	mempool    *Mempool
	peers      *PeerManager
	log        *logrus.Logger

	mu       sync.Mutex
	caughtUp bool
}

// NewSyncManager constructs a sync manager wiring storage, ledger,
// validators, mempool, and the peer manager.
func NewSyncManager(storage *Storage, ledger *Ledger, validators *ValidatorSet, mempool *Mempool, peers *PeerManager, log *logrus.Logger) *SyncManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SyncManager{storage: storage, ledger: ledger, validators: validators, mempool: mempool, peers: peers, log: log}
}

// Run drives the sync loop once every 5s until ctx is cancelled (§4.8).
func (s *SyncManager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncRound(ctx)
		}
	}
}

// CaughtUp reports whether the most recent sync round found no peer ahead
// of the local tip, or whether no connected peer exists to compare against
// (§4.8's Ready-transition condition).
func (s *SyncManager) CaughtUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caughtUp
}

func (s *SyncManager) setCaughtUp(v bool) {
	s.mu.Lock()
	s.caughtUp = v
	s.mu.Unlock()
}

func (s *SyncManager) syncRound(ctx context.Context) {
	peer := s.pickConnectedPeer()
	if peer == nil {
		s.setCaughtUp(true)
		return
	}
	roundCtx, cancel := context.WithTimeout(ctx, syncRoundTimeout)
	defer cancel()

	head := s.chainHead()
	reqPayload := SyncRequestPayload{LatestHeight: head.Height, LatestHash: head.Hash}
	env, err := buildEnvelope(s.peers.selfID, MsgSyncRequest, reqPayload)
	if err != nil {
		return
	}
	resp, err := s.peers.Request(roundCtx, peer, env)
	if err != nil {
		s.log.WithError(err).WithField("peer", peer.Address).Debug("sync round failed; retrying next round")
		return
	}
	if resp.Type != MsgSyncResponse {
		return
	}
	var sr SyncResponsePayload
	if err := json.Unmarshal(resp.Payload, &sr); err != nil {
		return
	}
	if sr.PeerLatestHeight <= head.Height || !sr.BlocksAvailable {
		s.setCaughtUp(true)
		return
	}
	s.setCaughtUp(false)

	start := head.Height + 1
	for start <= sr.PeerLatestHeight {
		end := sr.PeerLatestHeight
		if end-start+1 > maxBlocksPerRequest {
			end = start + maxBlocksPerRequest - 1
		}
		blocks, err := s.requestBlocks(roundCtx, peer, start, end)
		if err != nil {
			s.log.WithError(err).WithField("peer", peer.Address).Debug("block request failed")
			return
		}
		for i := range blocks {
			if err := s.HandleIncomingBlock(peer, &blocks[i]); err != nil {
				s.log.WithError(err).WithField("height", blocks[i].Index).Debug("incoming block rejected")
				return
			}
		}
		if len(blocks) == 0 {
			return
		}
		start = blocks[len(blocks)-1].Index + 1
	}
}

func (s *SyncManager) requestBlocks(ctx context.Context, peer *Peer, start, end uint64) ([]Block, error) {
	env, err := buildEnvelope(s.peers.selfID, MsgBlockRequest, BlockRequestPayload{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	resp, err := s.peers.Request(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	var br BlockResponsePayload
	if err := json.Unmarshal(resp.Payload, &br); err != nil {
		return nil, err
	}
	return br.Blocks, nil
}

func (s *SyncManager) pickConnectedPeer() *Peer {
	for _, p := range s.peers.Peers() {
		if p.Status == PeerConnected {
			return p
		}
	}
	return nil
}

func (s *SyncManager) chainHead() ChainHead {
	h := s.storage.LatestHeight()
	blk, ok, err := s.storage.GetBlock(h)
	if err != nil || !ok {
		return ChainHead{}
	}
	return ChainHead{Height: h, Hash: blk.Hash}
}

// HandleIncomingBlock validates b structurally, and either extends the
// local tip or triggers fork resolution (§4.7 step 4). Duplicate
// suppression for re-announced blocks already seen within the TTL window is
// the peer manager's job (Scenario D); this only handles blocks that reach
// the dispatcher.
func (s *SyncManager) HandleIncomingBlock(peer *Peer, b *Block) error {
	if err := validateBlockStructural(b); err != nil {
		return err
	}

	tip := s.chainHead()
	if b.Index == tip.Height+1 && b.PreviousHash == tip.Hash {
		return s.commitBlock(b)
	}
	if b.Index <= tip.Height {
		// Already have this height or an older one; nothing to do.
		return nil
	}
	return s.resolveFork(peer, b)
}

func validateBlockStructural(b *Block) error {
	if MerkleRoot(b.Transactions) != b.MerkleRoot {
		return ErrMerkleMismatch
	}
	if CanonicalBlockHash(b) != b.Hash {
		return ErrHashMismatch
	}
	return nil
}

func (s *SyncManager) commitBlock(b *Block) error {
	if err := s.ledger.ApplyBlock(b.Transactions); err != nil {
		return err
	}
	if err := s.storage.PutBlock(b); err != nil {
		return err
	}
	for i, tx := range b.Transactions {
		h := CanonicalTxHash(&tx)
		s.mempool.Remove(h)
		if err := s.storage.IndexTx(h, b.Index, i); err != nil {
			s.log.WithError(err).Warn("tx index write failed on commit")
		}
	}
	return nil
}

// resolveFork implements §4.7's fork resolution: find the common ancestor
// h' < latest_height whose stored hash matches b's chain, request the
// contested range from the peer, compare accumulated stake weight of block
// producers, and adopt the heavier chain (ties broken by lower hash).
func (s *SyncManager) resolveFork(peer *Peer, b *Block) error {
	ancestorHeight, ok := s.findCommonAncestor(b.PreviousHash, b.Index)
	if !ok {
		return fmt.Errorf("fork resolution: no common ancestor found")
	}

	peerSuffix, err := s.requestBlocks(context.Background(), peer, ancestorHeight+1, b.Index)
	if err != nil {
		s.markPeerFailed(peer)
		return fmt.Errorf("%w: fork range request", err)
	}

	localSuffix := s.localSuffix(ancestorHeight+1, s.storage.LatestHeight())

	peerWeight := s.chainWeight(peerSuffix)
	localWeight := s.chainWeight(localSuffix)

	adopt := peerWeight > localWeight
	if peerWeight == localWeight && len(peerSuffix) > 0 && len(localSuffix) > 0 {
		adopt = lexLess(peerSuffix[len(peerSuffix)-1].Hash, localSuffix[len(localSuffix)-1].Hash)
	}
	if !adopt {
		s.log.WithField("ancestor", ancestorHeight).Info("fork resolution: keeping local chain")
		return nil
	}

	if err := s.revertAndApply(ancestorHeight, peerSuffix); err != nil {
		s.log.WithError(err).Warn("fork resolution: reversion failed, retaining local chain")
		s.markPeerFailed(peer)
		return nil
	}
	return nil
}

func lexLess(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (s *SyncManager) findCommonAncestor(prevHash Hash, beforeHeight uint64) (uint64, bool) {
	for h := beforeHeight - 1; ; h-- {
		blk, ok, err := s.storage.GetBlock(h)
		if err == nil && ok && blk.Hash == prevHash {
			return h, true
		}
		if h == 0 {
			break
		}
	}
	return 0, false
}

func (s *SyncManager) localSuffix(from, to uint64) []Block {
	var out []Block
	for h := from; h <= to; h++ {
		blk, ok, err := s.storage.GetBlock(h)
		if err != nil || !ok {
			break
		}
		out = append(out, blk)
	}
	return out
}

// chainWeight sums the stake of each block's producer, recomputed via the
// deterministic leader-selection function (§4.5) applied to that block's
// own previous_hash/height — the block's producer is, by construction,
// whichever validator that draw selects.
func (s *SyncManager) chainWeight(blocks []Block) uint64 {
	var total uint64
	for _, b := range blocks {
		leader, err := s.validators.SelectLeader(b.PreviousHash, b.Index)
		if err != nil {
			continue
		}
		if rec, ok := s.validators.Get(leader); ok {
			total += rec.Stake
		}
	}
	return total
}

// revertAndApply reverts ledger state by reapplying blocks 0..ancestorHeight
// from storage onto a fresh ledger instance, then applies the new suffix
// (§4.7). The ledger's in-memory map is swapped only after the full replay
// succeeds.
func (s *SyncManager) revertAndApply(ancestorHeight uint64, suffix []Block) error {
	fresh, err := NewLedger(s.ledger.kv, s.log)
	if err != nil {
		return err
	}
	for h := uint64(1); h <= ancestorHeight; h++ {
		blk, ok, err := s.storage.GetBlock(h)
		if err != nil || !ok {
			return fmt.Errorf("revert: missing block %d", h)
		}
		if err := fresh.ApplyBlock(blk.Transactions); err != nil {
			return fmt.Errorf("revert: replay block %d: %w", h, err)
		}
	}
	for i := range suffix {
		if err := fresh.ApplyBlock(suffix[i].Transactions); err != nil {
			return fmt.Errorf("revert: apply suffix block %d: %w", suffix[i].Index, err)
		}
	}

	s.ledger.mu.Lock()
	s.ledger.accounts = fresh.accounts
	s.ledger.supply = fresh.supply
	s.ledger.mu.Unlock()

	for i := range suffix {
		if err := s.storage.PutBlock(&suffix[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncManager) markPeerFailed(peer *Peer) {
	s.peers.mu.Lock()
	defer s.peers.mu.Unlock()
	if p, ok := s.peers.peers[peer.ID]; ok {
		p.Status = PeerFailed
	}
}
