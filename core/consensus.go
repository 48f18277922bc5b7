package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// BlockSink receives committed blocks for broadcast, a narrow capability
// the producer holds rather than owning the peer manager outright (§9
// "Components reference each other through narrow capability abstractions").
type BlockSink interface {
	BroadcastBlock(b *Block)
}

// Producer is the stake-weighted block producer (C6), grounded on the
// teacher's NewConsensus/blockLoop ticker pattern in consensus.go,
// generalized from a PoW+PoH+PoS hybrid seal down to the spec's single
// stake-weighted leader draw per height (§4.5).
type Producer struct {
	self        Address
	ledger      *Ledger
	mempool     *Mempool
	storage     *Storage
	validators  *ValidatorSet
	sink        BlockSink
	blockTimeMs int
	maxTxPerBlk int
	log         *logrus.Logger
}

// NewProducer constructs a block producer for the local validator identity
// self.
func NewProducer(self Address, ledger *Ledger, mempool *Mempool, storage *Storage, validators *ValidatorSet, sink BlockSink, blockTimeMs, maxTxPerBlock int, log *logrus.Logger) *Producer {
	if blockTimeMs <= 0 {
		blockTimeMs = 12_000
	}
	if maxTxPerBlock <= 0 {
		maxTxPerBlock = 1000
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Producer{
		self:        self,
		ledger:      ledger,
		mempool:     mempool,
		storage:     storage,
		validators:  validators,
		sink:        sink,
		blockTimeMs: blockTimeMs,
		maxTxPerBlk: maxTxPerBlock,
		log:         log,
	}
}

// Run drives the block production loop once per block_time_ms until ctx is
// cancelled (§4.8 background task; §5 suspension point is the ticker sleep).
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.blockTimeMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.produceOnce(nowMs()); err != nil {
				p.log.WithError(err).Debug("block production skipped")
			}
		}
	}
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// produceOnce executes one iteration of the block production loop (§4.5
// steps 1-5).
func (p *Producer) produceOnce(tsMs uint64) error {
	latestHeight := p.storage.LatestHeight()
	tip, ok, err := p.storage.GetBlock(latestHeight)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoLeader
	}
	nextHeight := latestHeight + 1

	leader, err := p.validators.SelectLeader(tip.Hash, nextHeight)
	if err != nil {
		return err
	}
	if leader != p.self {
		return nil // not our slot; §4.5 step 1
	}

	candidates := p.mempool.Select(p.maxTxPerBlk)
	blk, applied, err := p.assembleAndApply(tip.Hash, nextHeight, tsMs, candidates)
	if err != nil {
		return err
	}

	if err := p.storage.PutBlock(blk); err != nil {
		return err
	}
	for i := range applied {
		p.mempool.Remove(CanonicalTxHash(&applied[i]))
	}
	for i, tx := range applied {
		if err := p.storage.IndexTx(CanonicalTxHash(&tx), blk.Index, i); err != nil {
			p.log.WithError(err).Warn("tx index write failed")
		}
	}

	if p.sink != nil {
		p.sink.BroadcastBlock(blk)
	}
	return nil
}

// assembleAndApply builds a block header from the given candidates and
// tentatively applies them to the ledger, evicting any transaction that
// fails to apply and retrying with the remaining set (§4.5 step 3). A block
// with zero transactions is permitted.
func (p *Producer) assembleAndApply(previousHash Hash, height, tsMs uint64, candidates []Transaction) (*Block, []Transaction, error) {
	applied := make([]Transaction, 0, len(candidates))
	for _, tx := range candidates {
		if err := p.ledger.ApplyTransaction(&tx); err != nil {
			p.log.WithError(err).WithField("tx", CanonicalTxHash(&tx).Hex()).Debug("evicting transaction from candidate block")
			p.mempool.Evict(CanonicalTxHash(&tx))
			continue
		}
		applied = append(applied, tx)
	}

	blk := &Block{
		Index:        height,
		TimestampMs:  tsMs,
		PreviousHash: previousHash,
		MerkleRoot:   MerkleRoot(applied),
		Nonce:        0,
		Transactions: applied,
	}
	blk.Hash = CanonicalBlockHash(blk)
	return blk, applied, nil
}
