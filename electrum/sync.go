package electrum

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/electrum-go/interface/params"
)

// chunkCutoff is the point above which sync_until requests a chunk
// instead of single headers: amortizes RTTs over catch-up while keeping
// tip-follow cheap (spec.md §4.F).
const chunkCutoff = 10

// SyncState drives spec.md §4.F: tip-follow, chunk catch-up, binary fork
// search, and backward probing against a HeaderOracle. It is not
// goroutine-safe by itself; callers serialize access to it (the Interface
// does so via NetworkHooks.WithHeaderLock).
type SyncState struct {
	net     *params.Network
	oracle  HeaderOracle
	fetcher *HeaderFetcher

	chain Chain // current ChainBinding; nil until Ready

	lastCheckpointProof *Header // get_purported_checkpoint (§12)

	log log.Logger
}

// NewSyncState constructs a SyncState not yet bound to a chain; call
// Bind once the first tip has arrived to complete "ready" per spec.md §3.
func NewSyncState(net *params.Network, oracle HeaderOracle, fetcher *HeaderFetcher) *SyncState {
	return &SyncState{net: net, oracle: oracle, fetcher: fetcher, log: log.New("module", "electrum/sync")}
}

// Ready reports whether the state machine has chosen a starting chain
// binding yet.
func (s *SyncState) Ready() bool { return s.chain != nil }

// Bind chooses the starting ChainBinding: the chain containing tip, if
// known, else the oracle's best guess. This constitutes "ready" per
// spec.md §4.F precondition.
func (s *SyncState) Bind(tip Header) {
	if chain, ok := s.oracle.CheckHeader(tip); ok {
		s.chain = chain
		return
	}
	s.chain = s.oracle.BestChain()
}

// Chain returns the currently bound chain.
func (s *SyncState) Chain() Chain { return s.chain }

// GetPurportedCheckpoint returns the most recent checkpoint-proven header
// fetched by step or the binary search, for Network's cross-interface
// consistency checks (§12 supplemented feature). Headers proven during the
// backward probe or inside a chunk are not recorded.
func (s *SyncState) GetPurportedCheckpoint() (Header, bool) {
	if s.lastCheckpointProof == nil {
		return Header{}, false
	}
	return *s.lastCheckpointProof, true
}

// ProcessHeaderAtTip implements the top-level loop of spec.md §4.F,
// driven by one new tip notification. Callers are expected to already
// hold the global header lock (bhi_lock).
func (s *SyncState) ProcessHeaderAtTip(ctx context.Context, tipHeight uint32, tipHeader Header) (updated bool, err error) {
	if s.chainAlreadyHasTip(tipHeader) {
		return false, nil
	}

	_, next, err := s.step(ctx, tipHeight, &tipHeader)
	if err != nil {
		return false, err
	}
	if next <= tipHeight {
		if err := s.SyncUntil(ctx, next, tipHeight); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *SyncState) chainAlreadyHasTip(tipHeader Header) bool {
	chain, ok := s.oracle.CheckHeader(tipHeader)
	return ok && s.chain != nil && chain == s.chain
}

// step implements spec.md §4.F step(h, header?).
func (s *SyncState) step(ctx context.Context, h uint32, header *Header) (mode string, nextH uint32, err error) {
	var hdr Header
	var proofProvided bool
	if header != nil {
		hdr = *header
	} else {
		hdr, proofProvided, err = s.fetcher.GetBlockHeader(ctx, h, ModeCatchup, false)
		if err != nil {
			return "", 0, err
		}
	}
	if proofProvided {
		s.lastCheckpointProof = &hdr
	}

	if chain, ok := s.oracle.CheckHeader(hdr); ok {
		s.chain = chain
		return "catchup", h + 1, nil
	}

	if chain, ok := s.oracle.CanConnect(hdr, proofProvided); ok {
		if err := s.oracle.SaveHeader(chain, hdr); err != nil {
			return "", 0, err
		}
		s.chain = chain
		return "catchup", h + 1, nil
	}

	good, goodHeader, bad, badHeader, proofProvided, err := s.searchHeadersBackwards(ctx, h, hdr)
	if err != nil {
		return "", 0, err
	}

	chain, checks := s.oracle.CheckHeader(goodHeader)
	connectsTo, connects := s.oracle.CanConnect(goodHeader, proofProvided)
	if !checks && !connects {
		return "", 0, fmt.Errorf("electrum: backward probe settled on height %d but it neither checks nor connects", good)
	}
	if connects {
		if err := s.oracle.SaveHeader(connectsTo, goodHeader); err != nil {
			return "", 0, err
		}
		s.chain = connectsTo
		return "catchup", good + 1, nil
	}
	s.chain = chain

	good, goodHeader, bad, badHeader, err = s.binarySearch(ctx, good, goodHeader, bad, badHeader)
	if err != nil {
		return "", 0, err
	}
	return s.resolveFork(good, bad, badHeader)
}

// searchHeadersBackwards implements spec.md §4.F's backward probe: given
// a header at h that does not connect, walk backward with a geometric
// retreat until a header is found that either checks against a known
// chain or connects to one.
func (s *SyncState) searchHeadersBackwards(ctx context.Context, h uint32, header Header) (good uint32, goodHeader Header, bad uint32, badHeader Header, proofProvided bool, err error) {
	bad, badHeader = h, header
	if _, ok := s.oracle.CheckHeader(badHeader); ok {
		return 0, Header{}, 0, Header{}, false, fmt.Errorf("electrum: backward probe seed unexpectedly checks against a known chain")
	}

	localMax := s.oracle.LocalMaxHeight()
	probe := localMax + 1
	if h > 0 && h-1 < probe {
		probe = h - 1
	}

	tip := h
	for {
		hdr, proven, err := s.fetcher.GetBlockHeader(ctx, probe, ModeBackward, false)
		if err != nil {
			return 0, Header{}, 0, Header{}, false, err
		}
		if _, ok := s.oracle.CheckHeader(hdr); ok {
			return probe, hdr, bad, badHeader, proven, nil
		}
		if _, ok := s.oracle.CanConnect(hdr, proven); ok {
			return probe, hdr, bad, badHeader, proven, nil
		}

		bad, badHeader = probe, hdr

		if probe <= s.net.MaxCheckpoint {
			if probe == s.net.MaxCheckpoint {
				return 0, Header{}, 0, Header{}, false, newGracefulDisconnect("server chain conflicts with checkpoints", nil)
			}
			probe = s.net.MaxCheckpoint
			continue
		}

		delta := tip - probe
		next := int64(tip) - 2*int64(delta)
		if next < int64(s.net.MaxCheckpoint) {
			next = int64(s.net.MaxCheckpoint)
		}
		probe = uint32(next)
	}
}

// binarySearch implements spec.md §4.F binary search between a height
// known to connect (good) and one known not to (bad).
func (s *SyncState) binarySearch(ctx context.Context, good uint32, goodHeader Header, bad uint32, badHeader Header) (uint32, Header, uint32, Header, error) {
	for good+1 < bad {
		mid := good + (bad-good)/2
		hdr, proven, err := s.fetcher.GetBlockHeader(ctx, mid, ModeBinary, false)
		if err != nil {
			return 0, Header{}, 0, Header{}, err
		}
		if proven {
			s.lastCheckpointProof = &hdr
		}
		if chain, ok := s.oracle.CheckHeader(hdr); ok {
			s.chain = chain
			good, goodHeader = mid, hdr
			continue
		}
		bad, badHeader = mid, hdr
	}

	if _, ok := s.oracle.CheckHeader(badHeader); ok {
		return 0, Header{}, 0, Header{}, fmt.Errorf("electrum: binary search converged but bad header checks against a known chain")
	}
	if _, ok := s.oracle.CanConnect(badHeader, false); !ok {
		return 0, Header{}, 0, Header{}, fmt.Errorf("electrum: binary search converged but bad header %d does not connect to good header %d", bad, good)
	}
	return good, goodHeader, bad, badHeader, nil
}

// resolveFork implements spec.md §4.F fork resolution at the forkpoint.
func (s *SyncState) resolveFork(good, bad uint32, badHeader Header) (mode string, nextH uint32, err error) {
	bh := s.chain.Height()
	if bh == good {
		return "no_fork", good + 1, nil
	}

	forked, err := s.oracle.Fork(badHeader)
	if err != nil {
		return "", 0, err
	}
	s.chain = forked
	if forked.Forkpoint() != bad {
		return "", 0, fmt.Errorf("electrum: fork materialized at %d, expected %d", forked.Forkpoint(), bad)
	}
	return "fork", bad + 1, nil
}

// SyncUntil implements spec.md §4.F sync_until: catch up from height to
// nextHeight, preferring chunk fetches when the gap exceeds chunkCutoff.
func (s *SyncState) SyncUntil(ctx context.Context, height, nextHeight uint32) error {
	var last string
	haveLast := false

	for !haveLast || height <= nextHeight {
		hadLast := haveLast
		prevLast, prevHeight := last, height

		if nextHeight > height && nextHeight-height > chunkCutoff {
			connected, count, err := s.fetcher.RequestChunk(ctx, s.oracle, height, nextHeight, true)
			if err != nil {
				return err
			}
			if !connected {
				if height <= s.net.MaxCheckpoint {
					return newGracefulDisconnect("chunk did not connect at or below checkpoint", nil)
				}
				_, next, err := s.step(ctx, height, nil)
				if err != nil {
					return err
				}
				height = next
				last, haveLast = "catchup", true
			} else {
				index := s.net.ChunkIndex(height)
				newHeight := s.net.ChunkStart(index) + uint32(count)
				if newHeight > nextHeight+1 {
					return fmt.Errorf("electrum: chunk catch-up overshot: %d > %d", newHeight, nextHeight+1)
				}
				height = newHeight
				last, haveLast = "catchup-chunk", true
			}
		} else {
			mode, next, err := s.step(ctx, height, nil)
			if err != nil {
				return err
			}
			height = next
			last, haveLast = mode, true
		}

		if hadLast && last == prevLast && height == prevHeight {
			return fmt.Errorf("electrum: sync_until made no progress at height %d", height)
		}
	}
	return nil
}
