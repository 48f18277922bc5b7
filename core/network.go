package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// ALPNProtocol is the QUIC ALPN identifier the wire protocol negotiates
// under (§4.6, §6).
const ALPNProtocol = "ghostchain/1.0"

// MsgType is the closed tagged union of wire message types (§4.6).
type MsgType uint8

const (
	MsgBlockAnnouncement MsgType = 1
	MsgTransactionAnnouncement MsgType = 2
	MsgBlockRequest      MsgType = 3
	MsgBlockResponse     MsgType = 4
	MsgPeerDiscovery     MsgType = 5
	MsgPeerResponse      MsgType = 6
	MsgSyncRequest       MsgType = 7
	MsgSyncResponse      MsgType = 8
)

// Envelope is the fixed wire frame carried by every stream (§4.6):
// type u8, sender_id 32B, timestamp_ms u64LE, payload_len u32LE, payload.
type Envelope struct {
	Type      MsgType
	SenderID  [32]byte
	TimestampMs uint64
	Payload   []byte
}

func (e *Envelope) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1+32+8+4+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:33], e.SenderID[:])
	binary.LittleEndian.PutUint64(buf[33:41], e.TimestampMs)
	binary.LittleEndian.PutUint32(buf[41:45], uint32(len(e.Payload)))
	copy(buf[45:], e.Payload)
	return buf, nil
}

func readEnvelope(r io.Reader) (*Envelope, error) {
	head := make([]byte, 45)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	e := &Envelope{Type: MsgType(head[0]), TimestampMs: binary.LittleEndian.Uint64(head[33:41])}
	copy(e.SenderID[:], head[1:33])
	plen := binary.LittleEndian.Uint32(head[41:45])
	e.Payload = make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(r, e.Payload); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// BlockRequestPayload is message type 3's payload.
type BlockRequestPayload struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// BlockResponsePayload is message type 4's payload.
type BlockResponsePayload struct {
	Blocks []Block `json:"blocks"`
}

// PeerAddr is a dialable peer address.
type PeerAddr struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// PeerDiscoveryPayload is message type 5's payload.
type PeerDiscoveryPayload struct {
	NodeID  [8]byte `json:"node_id"`
	Port    int     `json:"port"`
	Version int     `json:"version"`
}

// PeerResponsePayload is message type 6's payload.
type PeerResponsePayload struct {
	NodeID [8]byte    `json:"node_id"`
	Peers  []PeerAddr `json:"peers"`
}

// SyncRequestPayload is message type 7's payload.
type SyncRequestPayload struct {
	LatestHeight uint64 `json:"latest_height"`
	LatestHash   Hash   `json:"latest_hash"`
}

// SyncResponsePayload is message type 8's payload.
type SyncResponsePayload struct {
	PeerLatestHeight uint64 `json:"peer_latest_height"`
	BlocksAvailable  bool   `json:"blocks_available"`
}

// PeerStatus is a peer connection's lifecycle state.
type PeerStatus int

const (
	PeerConnecting PeerStatus = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
)

// PeerID is the 64-bit peer identifier derived from sha256(address ‖
// port)[0..8] (§4.6).
type PeerID [8]byte

func DerivePeerID(addr string, port int) PeerID {
	buf := []byte(fmt.Sprintf("%s:%d", addr, port))
	sum := sha256.Sum256(buf)
	var id PeerID
	copy(id[:], sum[:8])
	return id
}

// Peer is a peer table entry (§4.6).
type Peer struct {
	ID              PeerID
	Address         string
	Port            int
	Status          PeerStatus
	LastSeen        time.Time
	ProtocolVersion int

	conn quic.Connection

	mu        sync.Mutex
	msgInTick time.Time
	msgCount  int
}

const protocolVersion = 1

// PeerManagerConfig configures the QUIC transport and peer table.
type PeerManagerConfig struct {
	BindAddress    string
	P2PPort        int
	MaxPeers       int
	MaxConnections int
	TLSConfig      *tls.Config
}

// PeerManager maintains the peer table and QUIC transport (C7), generalized
// from the teacher's libp2p-pubsub Node (core/network.go) into a direct
// quic-go listener/dialer implementing the spec's exact envelope framing,
// which a pubsub abstraction cannot reproduce byte-for-byte (see
// SPEC_FULL.md §4.6).
type PeerManager struct {
	cfg    PeerManagerConfig
	selfID PeerID

	mu    sync.RWMutex
	peers map[PeerID]*Peer

	listener *quic.Listener

	dispatch Dispatcher
	log      *logrus.Logger

	seenMu sync.Mutex
	seen   map[Hash]time.Time // duplicate-suppression, TTL 60s (§4.7)
}

// Dispatcher processes inbound envelopes; the node orchestrator implements
// this to wire peer messages into the mempool, block producer, and sync
// loop without the peer manager owning them.
type Dispatcher interface {
	HandleEnvelope(peer *Peer, env *Envelope) (*Envelope, error)
}

// NewPeerManager constructs a peer manager bound to cfg.
func NewPeerManager(cfg PeerManagerConfig, dispatch Dispatcher, log *logrus.Logger) *PeerManager {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 50
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PeerManager{
		cfg:      cfg,
		selfID:   DerivePeerID(cfg.BindAddress, cfg.P2PPort),
		peers:    make(map[PeerID]*Peer),
		dispatch: dispatch,
		log:      log,
		seen:     make(map[Hash]time.Time),
	}
}

// SelfTLSConfig builds the node's self-signed QUIC TLS 1.3 config, grounded
// on the teacher's NewTLSConfig helper in core/security.go (adapted from
// CA-issued certs to a self-signed node-identity cert, since peer identity
// here is the node's address, not a PKI-issued one).
func SelfTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
		ClientAuth:   tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // self-signed peer certificates are not verified; envelopes carry no signature either
	}
}

// GenerateSelfSignedCert produces an ephemeral Ed25519 self-signed
// certificate for the node's QUIC listener identity.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// Listen starts accepting inbound QUIC connections until ctx is cancelled.
func (pm *PeerManager) Listen(ctx context.Context) error {
	addr := fmt.Sprintf("[%s]:%d", pm.cfg.BindAddress, pm.cfg.P2PPort)
	ln, err := quic.ListenAddr(addr, pm.cfg.TLSConfig, nil)
	if err != nil {
		return fmt.Errorf("%w: quic listen: %v", ErrIoError, err)
	}
	pm.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pm.log.WithError(err).Warn("quic accept failed")
			continue
		}
		go pm.handleConn(ctx, conn, true)
	}
}

// Dial connects to a remote peer at addr:port with a 10s timeout. It makes a
// single attempt: neither Dial nor the discovery loop that calls it retries
// or backs off after a failed dial.
func (pm *PeerManager) Dial(ctx context.Context, addr string, port int) (*Peer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	target := fmt.Sprintf("[%s]:%d", addr, port)
	conn, err := quic.DialAddr(dialCtx, target, pm.cfg.TLSConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrPeerTimeout, target, err)
	}
	return pm.handleConn(ctx, conn, false), nil
}

func (pm *PeerManager) handleConn(ctx context.Context, conn quic.Connection, inbound bool) *Peer {
	remote := conn.RemoteAddr().String()
	host, portStr, _ := net.SplitHostPort(remote)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	id := DerivePeerID(host, port)
	peer := &Peer{ID: id, Address: host, Port: port, Status: PeerConnected, LastSeen: time.Now(), ProtocolVersion: protocolVersion, conn: conn}

	pm.mu.Lock()
	if len(pm.peers) >= pm.cfg.MaxPeers {
		pm.mu.Unlock()
		conn.CloseWithError(0, "peer table full")
		return nil
	}
	pm.peers[id] = peer
	pm.mu.Unlock()

	go pm.acceptStreams(ctx, peer)
	go pm.acceptUniStreams(ctx, peer)
	_ = inbound
	return peer
}

func (pm *PeerManager) acceptStreams(ctx context.Context, peer *Peer) {
	for {
		stream, err := peer.conn.AcceptStream(ctx)
		if err != nil {
			pm.markFailed(peer)
			return
		}
		go pm.handleStream(peer, stream)
	}
}

// acceptUniStreams accepts the receive-only streams opened by Send for
// block/transaction broadcast (§4.7). A separate loop from acceptStreams
// since quic-go exposes unidirectional accept as a distinct method.
func (pm *PeerManager) acceptUniStreams(ctx context.Context, peer *Peer) {
	for {
		stream, err := peer.conn.AcceptUniStream(ctx)
		if err != nil {
			pm.markFailed(peer)
			return
		}
		go pm.handleUniStream(peer, stream)
	}
}

func (pm *PeerManager) handleUniStream(peer *Peer, stream quic.ReceiveStream) {
	stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	if !pm.allowMessage(peer) {
		stream.CancelRead(0)
		return
	}

	env, err := readEnvelope(stream)
	if err != nil {
		return
	}
	peer.LastSeen = time.Now()

	if pm.isDuplicate(env) {
		return // Scenario D: silent dedup, no error to peer
	}

	if pm.dispatch == nil {
		return
	}
	// Broadcast messages arrive on a receive-only stream; there is no way
	// to write a response back, unlike handleStream's bidirectional case.
	if _, err := pm.dispatch.HandleEnvelope(peer, env); err != nil {
		pm.log.WithError(err).Debug("uni-stream dispatch failed")
	}
}

func (pm *PeerManager) handleStream(peer *Peer, stream quic.Stream) {
	defer stream.Close()
	stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	if !pm.allowMessage(peer) {
		stream.CancelRead(0)
		return
	}

	env, err := readEnvelope(stream)
	if err != nil {
		return
	}
	peer.LastSeen = time.Now()

	if pm.isDuplicate(env) {
		return // Scenario D: silent dedup, no error to peer
	}

	if pm.dispatch == nil {
		return
	}
	resp, err := pm.dispatch.HandleEnvelope(peer, env)
	if err != nil || resp == nil {
		return
	}
	raw, err := resp.MarshalBinary()
	if err != nil {
		return
	}
	stream.Write(raw)
}

// allowMessage enforces the 1,000 msg/s per-peer rate limit (§4.7).
func (pm *PeerManager) allowMessage(peer *Peer) bool {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	now := time.Now()
	if now.Sub(peer.msgInTick) > time.Second {
		peer.msgInTick = now
		peer.msgCount = 0
	}
	peer.msgCount++
	return peer.msgCount <= 1000
}

// isDuplicate applies TTL=60s duplicate suppression for announcements
// (BlockAnnouncement/TransactionAnnouncement), keyed by their payload hash.
func (pm *PeerManager) isDuplicate(env *Envelope) bool {
	if env.Type != MsgBlockAnnouncement && env.Type != MsgTransactionAnnouncement {
		return false
	}
	h := sha256.Sum256(env.Payload)
	key := Hash(h)

	pm.seenMu.Lock()
	defer pm.seenMu.Unlock()
	now := time.Now()
	for k, t := range pm.seen {
		if now.Sub(t) > 60*time.Second {
			delete(pm.seen, k)
		}
	}
	if _, ok := pm.seen[key]; ok {
		return true
	}
	pm.seen[key] = now
	return false
}

func (pm *PeerManager) markFailed(peer *Peer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p, ok := pm.peers[peer.ID]; ok {
		p.Status = PeerFailed
	}
}

// Peers returns a snapshot of the peer table.
func (pm *PeerManager) Peers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		out = append(out, p)
	}
	return out
}

// ConnectedCount returns the number of peers currently Connected.
func (pm *PeerManager) ConnectedCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	n := 0
	for _, p := range pm.peers {
		if p.Status == PeerConnected {
			n++
		}
	}
	return n
}

// Send opens a fresh unidirectional stream and writes env, used for
// broadcast (§4.7: every committed block/admitted tx sent once per peer on
// a fresh stream).
func (pm *PeerManager) Send(ctx context.Context, peer *Peer, env *Envelope) error {
	stream, err := peer.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	defer stream.Close()
	raw, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = stream.Write(raw)
	return err
}

// Request opens a bidirectional stream, writes env, and reads one response
// envelope, used for request/response exchanges (BlockRequest/SyncRequest).
func (pm *PeerManager) Request(ctx context.Context, peer *Peer, env *Envelope) (*Envelope, error) {
	stream, err := peer.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	defer stream.Close()
	raw, err := env.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	return readEnvelope(stream)
}

// Broadcast sends env to every connected peer on a fresh stream.
func (pm *PeerManager) Broadcast(ctx context.Context, env *Envelope) {
	for _, p := range pm.Peers() {
		if p.Status != PeerConnected {
			continue
		}
		go func(peer *Peer) {
			if err := pm.Send(ctx, peer, env); err != nil {
				pm.log.WithError(err).WithField("peer", peer.Address).Debug("broadcast send failed")
			}
		}(p)
	}
}

func buildEnvelope(selfID PeerID, msgType MsgType, payload interface{}) (*Envelope, error) {
	var raw []byte
	var err error
	switch p := payload.(type) {
	case Block:
		raw, err = EncodeBlock(&p)
	case Transaction:
		raw, err = EncodeTransaction(&p)
	default:
		raw, err = json.Marshal(payload)
	}
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, SenderID: [32]byte{}, TimestampMs: nowMs(), Payload: raw}, nil
}

// multicastGroup is the IPv6 multicast address used for peer discovery
// (§4.6). Stdlib net.ListenMulticastUDP is used here because no example
// repo in the pack carries a library for this narrow primitive (see
// DESIGN.md).
var multicastGroup = &net.UDPAddr{IP: net.ParseIP("ff02::1"), Port: 7778}

// DiscoveryLoop multicasts PeerDiscovery every 30s while connected_peers is
// below max_peers (§4.6), and dials every peer listed in a PeerResponse
// received on the multicast socket, whether or not that peer is already in
// the peer table. PeerDiscovery datagrams arriving on this socket are not
// answered; only a PeerDiscovery received over a QUIC stream gets a
// PeerResponse (Node.HandleEnvelope).
func (pm *PeerManager) DiscoveryLoop(ctx context.Context, iface *net.Interface) {
	conn, err := net.ListenMulticastUDP("udp6", iface, multicastGroup)
	if err != nil {
		pm.log.WithError(err).Warn("multicast discovery disabled")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go pm.readDiscoveryResponses(ctx, conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pm.ConnectedCount() >= pm.cfg.MaxPeers {
				continue
			}
			payload := PeerDiscoveryPayload{NodeID: pm.selfID, Port: pm.cfg.P2PPort, Version: protocolVersion}
			b, _ := json.Marshal(payload)
			env := &Envelope{Type: MsgPeerDiscovery, SenderID: [32]byte{}, TimestampMs: nowMs(), Payload: b}
			raw, _ := env.MarshalBinary()
			conn.WriteToUDP(raw, multicastGroup)
		}
	}
}

func (pm *PeerManager) readDiscoveryResponses(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		env, err := readEnvelope(bytesReader(buf[:n]))
		if err != nil || env.Type != MsgPeerResponse {
			continue
		}
		var resp PeerResponsePayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			continue
		}
		for _, cand := range resp.Peers {
			if pm.ConnectedCount() >= pm.cfg.MaxPeers {
				break
			}
			go func(c PeerAddr) {
				if _, err := pm.Dial(ctx, c.Addr, c.Port); err != nil {
					pm.log.WithError(err).WithField("addr", c.Addr).Debug("discovery dial failed")
				}
			}(cand)
		}
		_ = src
	}
}

func bytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b []byte
	i int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
