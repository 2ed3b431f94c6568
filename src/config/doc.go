// Package config defines the configuration for a routing node.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, the node relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional configuration
// files:
//
//	priv_key // a plain text file containing the raw private key (cf. routing keygen).
//	peers.json // a JSON file containing the current elder set.
//	peers.genesis.json // (optional, defaults to peers.json) a JSON file containing the genesis elder set.
package config
