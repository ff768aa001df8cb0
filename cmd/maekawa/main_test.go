package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maekawa-dme/internal/maekawa"
)

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("0=127.0.0.1:7000, 2=10.0.0.2:7002")
	require.NoError(t, err)
	assert.Equal(t, map[maekawa.NodeID]string{
		0: "127.0.0.1:7000",
		2: "10.0.0.2:7002",
	}, peers)

	peers, err = parsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	for _, bad := range []string{"127.0.0.1:7000", "x=127.0.0.1:7000", "-1=h:1", "3="} {
		_, err := parsePeers(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckPeers(t *testing.T) {
	all := func(n int) map[maekawa.NodeID]string {
		peers := make(map[maekawa.NodeID]string, n)
		for i := 0; i < n; i++ {
			peers[maekawa.NodeID(i)] = fmt.Sprintf("127.0.0.1:%d", 7000+i)
		}
		return peers
	}

	tests := []struct {
		name    string
		id      maekawa.NodeID
		n       int
		peers   map[maekawa.NodeID]string
		wantErr string
	}{
		{name: "every node known", id: 0, n: 7, peers: all(7)},
		{name: "self may be omitted", id: 0, n: 3, peers: map[maekawa.NodeID]string{1: "a:1", 2: "b:2"}},
		{name: "missing voting set member", id: 0, n: 7, peers: map[maekawa.NodeID]string{1: "a:1", 2: "b:2"}, wantErr: "no address for nodes"},
		{name: "peer outside the system", id: 0, n: 3, peers: map[maekawa.NodeID]string{1: "a:1", 2: "b:2", 5: "c:5"}, wantErr: "outside"},
		{name: "node outside the system", id: 9, n: 3, peers: all(3), wantErr: "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPeers(tt.id, tt.n, tt.peers)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
