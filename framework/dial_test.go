package framework

import (
	"context"
	"math/big"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainIDService answers eth_chainId and nothing else.
type chainIDService struct {
	id    *big.Int
	calls atomic.Int32
}

func (s *chainIDService) ChainId() *hexutil.Big {
	s.calls.Add(1)
	return (*hexutil.Big)(s.id)
}

func newChainIDNode(t *testing.T, id int64) (string, *chainIDService) {
	t.Helper()

	svc := &chainIDService{id: big.NewInt(id)}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	httpSrv := httptest.NewServer(server)
	t.Cleanup(func() {
		httpSrv.Close()
		server.Stop()
	})
	return httpSrv.URL, svc
}

func TestDialFetchesChainID(t *testing.T) {
	url, svc := newChainIDNode(t, 4242)
	key, err := NewPrivKeyFromHex(devKeyHex)
	require.NoError(t, err)

	fr, err := Dial(context.Background(), url, key)
	require.NoError(t, err)
	defer fr.Close()

	id, err := fr.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id.Int64())
	assert.Equal(t, int32(1), svc.calls.Load(), "chain id is fetched once")
}

func TestDialConfiguredChainID(t *testing.T) {
	url, svc := newChainIDNode(t, 4242)
	key, err := NewPrivKeyFromHex(devKeyHex)
	require.NoError(t, err)

	fr, err := Dial(context.Background(), url, key, WithChainID(big.NewInt(7)))
	require.NoError(t, err)
	defer fr.Close()

	id, err := fr.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.Int64())
	assert.Zero(t, svc.calls.Load())
}

func TestDialUnreachable(t *testing.T) {
	key, err := NewPrivKeyFromHex(devKeyHex)
	require.NoError(t, err)

	_, err = Dial(context.Background(), "http://127.0.0.1:1", key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch chain id")
}
