package core

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSettersUpdateGauges(t *testing.T) {
	m := NewMetrics()
	m.SetChainHeight(42)
	m.SetMempoolDepth(7)
	m.SetPeerCount(3)

	if got := testutil.ToFloat64(m.chainHeight); got != 42 {
		t.Fatalf("chain_height = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.mempoolDepth); got != 7 {
		t.Fatalf("mempool_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.peerCount); got != 3 {
		t.Fatalf("connected_peers = %v, want 3", got)
	}
}
