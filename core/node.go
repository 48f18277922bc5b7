package core

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NodeState is the node's lifecycle state machine (§4.8).
type NodeState int

const (
	StateInitializing NodeState = iota
	StateSyncing
	StateReady
	StateShuttingDown
)

func (s NodeState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateSyncing:
		return "Syncing"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// NodeConfig is the subset of pkg/config.Config the orchestrator consumes
// directly.
type NodeConfig struct {
	DataDir         string
	BindAddress     string
	P2PPort         int
	MinimumStake    uint64
	BlockTimeMs     int
	MaxPeers        int
	MaxConnections  int
	MempoolCapacity int
	Self            Address
}

// Node is the orchestrator (C9): it wires storage, ledger, validator set,
// mempool, consensus producer, peer manager, and sync manager behind a
// single lifecycle, grounded on the teacher's ValidatorNode
// (validator_node.go), generalized to also own storage, mempool, and sync.
type Node struct {
	cfg NodeConfig
	log *logrus.Logger

	mu    sync.RWMutex
	state NodeState

	storage    *Storage
	ledger     *Ledger
	validators *ValidatorSet
	mempool    *Mempool
	producer   *Producer
	peers      *PeerManager
	sync       *SyncManager
	metrics    *Metrics

	subMu     sync.Mutex
	blockSubs []BlockSubscriber
	txSubs    []TransactionSubscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode constructs the orchestrator's subsystems without starting any
// background work.
func NewNode(cfg NodeConfig, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	storage, err := OpenStorage(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("node init: %w", err)
	}
	ledger, err := NewLedger(storage, log)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("node init: %w", err)
	}
	validators := NewValidatorSet(storage, cfg.MinimumStake)
	mempool := NewMempool(cfg.MempoolCapacity, ledger, log)

	n := &Node{
		cfg:        cfg,
		log:        log,
		state:      StateInitializing,
		storage:    storage,
		ledger:     ledger,
		validators: validators,
		mempool:    mempool,
		metrics:    NewMetrics(),
	}

	n.peers = NewPeerManager(PeerManagerConfig{
		BindAddress:    cfg.BindAddress,
		P2PPort:        cfg.P2PPort,
		MaxPeers:       cfg.MaxPeers,
		MaxConnections: cfg.MaxConnections,
	}, n, log)
	n.sync = NewSyncManager(storage, ledger, validators, mempool, n.peers, log)
	n.producer = NewProducer(cfg.Self, ledger, mempool, storage, validators, n, cfg.BlockTimeMs, 1000, log)

	return n, nil
}

// Start runs the startup sequence (§4.8) and spawns background tasks. It
// returns once the node is listening; background loops continue until
// Shutdown is called.
func (n *Node) Start(ctx context.Context, tlsCert *tls.Certificate) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.setState(StateSyncing)

	var cert tls.Certificate
	if tlsCert != nil {
		cert = *tlsCert
	} else {
		generated, err := GenerateSelfSignedCert()
		if err != nil {
			cancel()
			return fmt.Errorf("node start: generate tls cert: %w", err)
		}
		cert = generated
	}
	n.peers.cfg.TLSConfig = SelfTLSConfig(cert)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.peers.Listen(runCtx); err != nil {
			n.log.WithError(err).Error("peer listener exited")
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mempoolProcessorLoop(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.producer.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sync.Run(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readyWatchdog(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.peers.DiscoveryLoop(runCtx, nil) // nil: use the system's default multicast-capable interface
	}()

	n.log.WithFields(logrus.Fields{"data_dir": n.cfg.DataDir, "p2p_port": n.cfg.P2PPort}).Info("node started")
	return nil
}

// readyWatchdog transitions Syncing→Ready once a sync round has completed
// or there is no peer ahead (§4.8: "enters Ready only after at least one
// successful sync round or after determining no peers are ahead").
func (n *Node) readyWatchdog(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.State() != StateSyncing {
				return
			}
			// Each sync round records whether its peer was ahead of the
			// local tip (SyncManager.CaughtUp); with no connected peer,
			// the node considers itself caught up.
			if n.peers.ConnectedCount() == 0 || n.sync.CaughtUp() {
				n.setState(StateReady)
				n.log.Info("node ready")
				return
			}
		}
	}
}

func (n *Node) mempoolProcessorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := n.mempool.Stats()
			n.metrics.SetMempoolDepth(stats.Pending)
			n.metrics.SetChainHeight(n.storage.LatestHeight())
			n.metrics.SetPeerCount(n.peers.ConnectedCount())
		}
	}
}

// Shutdown signals all background tasks, drains in-flight work, fsyncs
// storage, and closes peer connections (§4.8).
func (n *Node) Shutdown() error {
	n.setState(StateShuttingDown)
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	for _, p := range n.peers.Peers() {
		if p.conn != nil {
			p.conn.CloseWithError(0, "shutdown")
		}
	}
	return n.storage.Close()
}

func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// State returns the node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// --- Dispatcher implementation (peer manager → node wiring) ---

// HandleEnvelope implements Dispatcher, routing inbound wire messages to
// the sync manager, the block store, or the peer table as appropriate (§4.6,
// §4.7). Transaction announcements are decoded and then dropped; they do
// not reach the mempool.
func (n *Node) HandleEnvelope(peer *Peer, env *Envelope) (*Envelope, error) {
	switch env.Type {
	case MsgBlockAnnouncement:
		blk, err := DecodeBlock(env.Payload)
		if err != nil {
			return nil, err
		}
		if err := n.sync.HandleIncomingBlock(peer, &blk); err != nil {
			n.log.WithError(err).Debug("announced block rejected")
		}
		return nil, nil

	case MsgTransactionAnnouncement:
		tx, err := DecodeTransaction(env.Payload)
		if err != nil {
			return nil, err
		}
		// Pubkey is not carried on the wire by the closed tx model (§3);
		// an out-of-process gateway/wallet collaborator is expected to
		// have already verified the signature before relay, or to submit
		// via SubmitTransaction with the pubkey in hand.
		_ = tx
		return nil, nil

	case MsgBlockRequest:
		var req BlockRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, err
		}
		if req.End < req.Start || req.End-req.Start+1 > maxBlocksPerRequest {
			return nil, ErrRateLimited
		}
		var blocks []Block
		for h := req.Start; h <= req.End; h++ {
			blk, ok, err := n.storage.GetBlock(h)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			blocks = append(blocks, blk)
		}
		return buildEnvelope(n.peers.selfID, MsgBlockResponse, BlockResponsePayload{Blocks: blocks})

	case MsgPeerDiscovery:
		var req PeerDiscoveryPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, err
		}
		var candidates []PeerAddr
		for _, p := range n.peers.Peers() {
			candidates = append(candidates, PeerAddr{Addr: p.Address, Port: p.Port})
		}
		return buildEnvelope(n.peers.selfID, MsgPeerResponse, PeerResponsePayload{NodeID: n.peers.selfID, Peers: candidates})

	case MsgSyncRequest:
		head := n.sync.chainHead()
		var sreq SyncRequestPayload
		if err := json.Unmarshal(env.Payload, &sreq); err != nil {
			return nil, err
		}
		return buildEnvelope(n.peers.selfID, MsgSyncResponse, SyncResponsePayload{
			PeerLatestHeight: head.Height,
			BlocksAvailable:  head.Height > sreq.LatestHeight,
		})

	default:
		return nil, nil
	}
}

// --- BlockSink implementation ---

// BroadcastBlock implements BlockSink, announcing a newly produced block to
// every connected peer (§4.5 step 5) and to any registered BlockSubscriber
// (§6's subscribe_blocks).
func (n *Node) BroadcastBlock(b *Block) {
	env, err := buildEnvelope(n.peers.selfID, MsgBlockAnnouncement, *b)
	if err != nil {
		n.log.WithError(err).Warn("failed to build block announcement")
		return
	}
	n.peers.Broadcast(context.Background(), env)
	n.notifyBlockSubscribers(*b)
}

// --- Subscriber registration (§6 subscribe_blocks/subscribe_transactions) ---

// RegisterBlockSubscriber adds a collaborator to be notified of every block
// this node broadcasts.
func (n *Node) RegisterBlockSubscriber(s BlockSubscriber) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.blockSubs = append(n.blockSubs, s)
}

// RegisterTransactionSubscriber adds a collaborator to be notified of every
// transaction this node admits to its mempool.
func (n *Node) RegisterTransactionSubscriber(s TransactionSubscriber) {
	n.subMu.Lock()
	defer n.subMu.Unlock()
	n.txSubs = append(n.txSubs, s)
}

func (n *Node) notifyBlockSubscribers(b Block) {
	n.subMu.Lock()
	subs := append([]BlockSubscriber(nil), n.blockSubs...)
	n.subMu.Unlock()
	for _, s := range subs {
		s.OnBlock(b)
	}
}

func (n *Node) notifyTransactionSubscribers(tx Transaction) {
	n.subMu.Lock()
	subs := append([]TransactionSubscriber(nil), n.txSubs...)
	n.subMu.Unlock()
	for _, s := range subs {
		s.OnTransaction(tx)
	}
}

// --- Collaborator-facing read operations (§6) ---

// SubmitTransaction admits tx into the mempool and, on success, broadcasts
// it to connected peers and notifies any registered TransactionSubscriber
// (§6's subscribe_transactions).
func (n *Node) SubmitTransaction(tx Transaction, pubKey ed25519.PublicKey) error {
	if err := n.mempool.Admit(tx, pubKey); err != nil {
		return err
	}
	env, err := buildEnvelope(n.peers.selfID, MsgTransactionAnnouncement, tx)
	if err == nil {
		n.peers.Broadcast(context.Background(), env)
	}
	n.notifyTransactionSubscribers(tx)
	return nil
}

// GetBlock returns the block at height.
func (n *Node) GetBlock(height uint64) (Block, bool, error) {
	return n.storage.GetBlock(height)
}

// GetBlockByHash returns the block with the given hash.
func (n *Node) GetBlockByHash(hash Hash) (Block, bool, error) {
	return n.storage.GetBlockByHash(hash)
}

// GetAccount returns the account state for an address.
func (n *Node) GetAccount(addr Address) Account {
	return Account{
		Balances: map[AssetKind]uint64{
			AssetGAS:     n.ledger.Balance(addr, AssetGAS),
			AssetSTAKE:   n.ledger.Balance(addr, AssetSTAKE),
			AssetUTILITY: n.ledger.Balance(addr, AssetUTILITY),
			AssetBRAND:   n.ledger.Balance(addr, AssetBRAND),
		},
		Nonce: n.ledger.Nonce(addr),
	}
}

// GetChainHead returns the current chain head.
func (n *Node) GetChainHead() ChainHead {
	return n.sync.chainHead()
}

// VerifyChain runs the storage engine's integrity check.
func (n *Node) VerifyChain() (bool, error) {
	return n.storage.VerifyChain()
}

// Ledger exposes the underlying ledger for genesis bootstrap and tests.
func (n *Node) Ledger() *Ledger { return n.ledger }

// Validators exposes the underlying validator set for genesis bootstrap and
// tests.
func (n *Node) Validators() *ValidatorSet { return n.validators }

// Storage exposes the underlying storage engine for genesis bootstrap and
// tests.
func (n *Node) Storage() *Storage { return n.storage }

// Mempool exposes the underlying mempool for tests.
func (n *Node) Mempool() *Mempool { return n.mempool }

// Metrics exposes the node's Prometheus collectors so the CLI entrypoint can
// serve them over the loopback-only /metrics listener (§4.8 addendum).
func (n *Node) Metrics() *Metrics { return n.metrics }

var _ Gateway = (*Node)(nil)
var _ Dispatcher = (*Node)(nil)
var _ BlockSink = (*Node)(nil)
