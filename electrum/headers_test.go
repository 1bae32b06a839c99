package electrum

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/electrum-go/interface/params"
)

// fakeOracle is a minimal HeaderOracle used to exercise RequestChunk
// without pulling in a real chain store, in the spirit of the teacher's
// test-helper fakes.
type fakeOracle struct {
	connectChunkFn func(index uint32, hexBlob string, proofProvided bool) (bool, int, error)
}

func (f *fakeOracle) CheckHeader(Header) (Chain, bool)                     { return nil, false }
func (f *fakeOracle) CanConnect(Header, bool) (Chain, bool)                { return nil, false }
func (f *fakeOracle) SaveHeader(Chain, Header) error                       { return nil }
func (f *fakeOracle) Fork(Header) (Chain, error)                           { return nil, nil }
func (f *fakeOracle) BestChain() Chain                                    { return nil }
func (f *fakeOracle) LocalMaxHeight() uint32                              { return 0 }
func (f *fakeOracle) ConnectChunk(index uint32, hexBlob string, proofProvided bool) (bool, int, error) {
	return f.connectChunkFn(index, hexBlob, proofProvided)
}

func randomHeader(b byte) []byte {
	h := make([]byte, 80)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestGetBlockHeaderAboveCheckpointNoProof(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 100, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	header := randomHeader(7)
	go func() {
		req := srv.nextRequest()
		require.Equal(t, "blockchain.block.header", req.Method)
		srv.respond(*req.ID, hex.EncodeToString(header))
	}()

	got, proven, err := fetcher.GetBlockHeader(context.Background(), 200, ModeCatchup, false)
	require.NoError(t, err)
	require.False(t, proven)
	require.Equal(t, uint32(200), got.Height)
	require.Equal(t, header, got.Raw)
}

func TestGetBlockHeaderAboveCheckpointRejectsUnrequestedProof(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 100, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	go func() {
		req := srv.nextRequest()
		srv.respond(*req.ID, map[string]any{
			"header": hex.EncodeToString(randomHeader(1)),
			"root":   hex.EncodeToString(make([]byte, 32)),
			"branch": []string{},
		})
	}()

	_, _, err := fetcher.GetBlockHeader(context.Background(), 200, ModeCatchup, false)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestGetBlockHeaderBelowCheckpointRequiresValidProof(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	header := randomHeader(9)
	leafHash := sha256d(header)
	root, branch := buildMerkleTree([][32]byte{leafHash, sha256d([]byte("x"))}, 0)

	net := &params.Network{MaxCheckpoint: 100, RetargetInterval: 2016, VerificationMerkleRoot: reverseArray(root)}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	branchHex := make([]string, len(branch))
	for i, b := range branch {
		branchHex[i] = reversedHex(b)
	}

	go func() {
		req := srv.nextRequest()
		require.Equal(t, "blockchain.block.header", req.Method)
		srv.respond(*req.ID, map[string]any{
			"header": hex.EncodeToString(header),
			"root":   reversedHex(root),
			"branch": branchHex,
		})
	}()

	got, proven, err := fetcher.GetBlockHeader(context.Background(), 0, ModeBackward, true)
	require.NoError(t, err)
	require.True(t, proven)
	require.Equal(t, header, got.Raw)
}

func TestRequestHeadersRejectsOversizeCount(t *testing.T) {
	sess, _ := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 100, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	_, _, _, err := fetcher.RequestHeaders(context.Background(), 0, 2017)
	require.Error(t, err)
}

func TestRequestHeadersRejectsMismatchedCount(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 100, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	go func() {
		req := srv.nextRequest()
		srv.respond(*req.ID, map[string]any{
			"hex":   hex.EncodeToString(randomHeader(1)),
			"count": 2, // lies: blob only contains one header
		})
	}()

	_, _, _, err := fetcher.RequestHeaders(context.Background(), 500, 10)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRequestHeadersCheckpointedChunkValidatesLinkage(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	h0 := randomHeader(1)
	h1 := make([]byte, 80)
	copy(h1, randomHeader(2))
	h0Hash := sha256d(h0)
	copy(h1[4:36], h0Hash[:])

	blob := append(append([]byte{}, h0...), h1...)
	h1Hash := sha256d(h1)
	root, branch := buildMerkleTree([][32]byte{sha256d([]byte("pad")), h1Hash}, 1)

	net := &params.Network{MaxCheckpoint: 1, RetargetInterval: 2016, VerificationMerkleRoot: reverseArray(root)}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	branchHex := make([]string, len(branch))
	for i, b := range branch {
		branchHex[i] = reversedHex(b)
	}

	go func() {
		req := srv.nextRequest()
		srv.respond(*req.ID, map[string]any{
			"hex":    hex.EncodeToString(blob),
			"count":  2,
			"root":   reversedHex(root),
			"branch": branchHex,
		})
	}()

	hexBlob, n, proven, err := fetcher.RequestHeaders(context.Background(), 0, 2)
	require.NoError(t, err)
	require.True(t, proven)
	require.Equal(t, 2, n)
	require.Equal(t, hex.EncodeToString(blob), hexBlob)
}

func TestVerifyProvenChunkDetectsBrokenLink(t *testing.T) {
	h0 := randomHeader(1)
	h1 := randomHeader(2) // does not embed h0's hash at [4:36]
	blob := hex.EncodeToString(append(append([]byte{}, h0...), h1...))

	err := verifyProvenChunk(blob, 2)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestRequestChunkClampsToTipAndConnects(t *testing.T) {
	sess, srv := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 0, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)

	oracle := &fakeOracle{
		connectChunkFn: func(index uint32, hexBlob string, proofProvided bool) (bool, int, error) {
			require.Equal(t, uint32(0), index)
			return true, 50, nil
		},
	}

	go func() {
		req := srv.nextRequest()
		// Chunk 0 starts at 0; tip 49 clamps the size to 50.
		require.JSONEq(t, `[0,50,0]`, string(req.Params))
		srv.respond(*req.ID, map[string]any{
			"hex":   "",
			"count": 0,
		})
	}()

	connected, n, err := fetcher.RequestChunk(context.Background(), oracle, 10, 49, true)
	require.NoError(t, err)
	require.True(t, connected)
	require.Equal(t, 50, n)
}

func TestRequestChunkSkipsAlreadyInFlightIndex(t *testing.T) {
	sess, _ := newFakeServer(t)
	defer sess.Close()

	net := &params.Network{MaxCheckpoint: 0, RetargetInterval: 2016}
	fetcher := NewHeaderFetcher(sess, net, time.Second)
	fetcher.requestedChunks.Add(net.ChunkIndex(10))

	oracle := &fakeOracle{
		connectChunkFn: func(uint32, string, bool) (bool, int, error) {
			t.Fatal("should not reach the oracle when the chunk is already in flight")
			return false, 0, nil
		},
	}

	connected, n, err := fetcher.RequestChunk(context.Background(), oracle, 10, 2000, true)
	require.NoError(t, err)
	require.False(t, connected)
	require.Equal(t, 0, n)
}
