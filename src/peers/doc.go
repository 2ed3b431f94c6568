// Package peers defines node identities and elder sets.
//
// A Peer is the immutable identity of a node: an XOR-space name derived from
// its public key, the key itself, a network address, and an age counter that
// grows as the peer survives relocations. An ElderSet is the subset of a
// section's members currently authorized to vote and sign on its behalf;
// elder sets only change through agreed churn blocks, and the deterministic
// ranking rule in RankElders guarantees that all nodes derive the same elder
// set from the same agreed facts.
package peers
