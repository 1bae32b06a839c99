// Package params holds the static, per-network constants that an Electrum
// interface checks peers against: genesis, the baked-in checkpoint height,
// the Merkle root that anchors headers below it, and the difficulty
// retarget interval.
package params

// Network describes the constants of one blockchain network. These values
// are never learned from a peer; they come baked into the binary the same
// way constants.net does in the reference client.
type Network struct {
	Name string

	// GenesisHeaderHex is the hex-encoded 80-byte (or wider, for AuxPoW
	// chains) genesis block header.
	GenesisHeaderHex string

	// MaxCheckpoint is the height at or below which headers are trusted only
	// via a Merkle proof against VerificationMerkleRoot, never accepted
	// on PoW linkage alone.
	MaxCheckpoint uint32

	// VerificationMerkleRoot is the expected Merkle root of the block
	// hashes at heights [0, MaxCheckpoint], stored in the same
	// big-endian display byte order as the server's wire root hash;
	// reversed to internal order before use, same as the wire value.
	VerificationMerkleRoot [32]byte

	// RetargetInterval is the number of blocks between difficulty
	// retargets, and therefore the chunk size headers are fetched in.
	RetargetInterval uint32
}

// ChunkIndex returns the retarget-aligned chunk a height belongs to.
func (n *Network) ChunkIndex(height uint32) uint32 {
	return height / n.RetargetInterval
}

// ChunkStart returns the first height of chunk index.
func (n *Network) ChunkStart(index uint32) uint32 {
	return index * n.RetargetInterval
}

// Mainnet is a placeholder production network definition. Callers embedding
// this module supply their own Network value; Mainnet exists so tests and
// examples have something concrete to point at.
var Mainnet = &Network{
	Name:             "mainnet",
	MaxCheckpoint:    2111184,
	RetargetInterval: 2016,
}

// Testnet is a small-checkpoint network used by integration tests so that
// backward-probe and binary-search paths can be exercised without needing
// millions of headers.
var Testnet = &Network{
	Name:             "testnet",
	MaxCheckpoint:    100,
	RetargetInterval: 2016,
}
