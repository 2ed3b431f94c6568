package chain

// Store persists proof-chain blocks, keyed by section prefix and block index.
// Implementations must tolerate concurrent readers but writes only ever come
// from the node's routing loop.
type Store interface {
	// SetBlock persists a block under (block.Prefix, block.Index).
	SetBlock(block *Block) error

	// GetBlock retrieves a block. Returns a common.StoreErr with KeyNotFound
	// if the block was never stored, or TooLate if it was evicted or pruned.
	GetBlock(prefix string, index int) (*Block, error)

	// LastIndex returns the highest stored block index for a prefix, or a
	// KeyNotFound error if the prefix has no blocks.
	LastIndex(prefix string) (int, error)

	// Close releases underlying resources.
	Close() error
}
