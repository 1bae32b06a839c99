package electrum

// Header is the parsed form of a block header as returned by the header
// fetchers (§4.E). Height is carried alongside the header because the
// wire format for pre-checkpoint headers never repeats it.
type Header struct {
	Height uint32
	Raw    []byte // serialized header bytes, as hashed by checkpoint validation
	Hash   [32]byte
}

// Chain is an opaque reference to one of the chains Blockchain tracks.
// The sync state machine compares identity (==) to decide whether it
// rebound and reads Height/Forkpoint during fork resolution; it calls
// back into HeaderOracle for everything else.
type Chain interface {
	// Height returns the chain's current tip height.
	Height() uint32
	// Forkpoint returns the height at which this chain diverges from its
	// parent, or 0 for the chain rooted at genesis.
	Forkpoint() uint32
}

// HeaderOracle is the Blockchain collaborator from spec.md §1, narrowed
// to exactly the operations the sync state machine needs. Design notes
// (§9) call for an injectable interface in place of the reference
// client's mock-field-on-header-dict hack; production wiring binds this
// to the real chain store, tests bind it to a fake.
type HeaderOracle interface {
	// CheckHeader reports which known chain (if any) already contains
	// this exact header at its height.
	CheckHeader(h Header) (Chain, bool)

	// CanConnect reports whether h extends some known chain by one block
	// (valid PoW linkage to that chain's tip). proofProvided indicates
	// whether h was itself checkpoint-proven; some chains require a
	// proof before accepting a header below the checkpoint even when the
	// PoW linkage checks out. Returns the chain it would extend.
	CanConnect(h Header, proofProvided bool) (Chain, bool)

	// ConnectChunk hands a raw, already-proof-validated run of headers to
	// the store starting at the given retarget-aligned index. Returns
	// whether the whole chunk connected and how many headers it
	// contained.
	ConnectChunk(index uint32, headersHex string, proofProvided bool) (connected bool, count int, err error)

	// SaveHeader appends h to chain, which must be the currently bound
	// chain or one CanConnect just returned.
	SaveHeader(chain Chain, h Header) error

	// Fork materializes a new competing chain starting at h, splitting
	// off of whatever chain currently holds h's parent.
	Fork(h Header) (Chain, error)

	// BestChain returns whichever known chain the oracle considers the
	// best starting point when no better information (a tip header) is
	// available yet.
	BestChain() Chain

	// LocalMaxHeight returns the maximum height across every chain the
	// oracle knows about, used to seed the backward probe.
	LocalMaxHeight() uint32
}

// NetworkHooks is the subset of the out-of-scope Network supervisor
// (spec.md §1, §6) that the per-peer interface calls into: the global
// header-processing lock, lifecycle notifications, and timeout policy.
// Modeled as a dependency-injected handle per design note (§9), never a
// package-level singleton.
type NetworkHooks interface {
	// WithHeaderLock serializes header-store mutation across every
	// interface the Network supervises (the bhi_lock of spec.md §5).
	WithHeaderLock(fn func() error) error

	// ConnectionDown is called exactly once, on the way out, however the
	// interface's session ends.
	ConnectionDown(iface *Interface)

	// BlockchainUpdated is the per-tip notification spec.md §4.F emits
	// after each successful reconciliation.
	BlockchainUpdated(iface *Interface)

	// NetworkUpdated is emitted once per tip notification regardless of
	// whether the sync step actually changed anything, so Network can
	// reconsider fork/lag status against its other interfaces.
	NetworkUpdated(iface *Interface)

	// TimeoutSeconds returns the configured generic request timeout.
	TimeoutSeconds() float64
}
