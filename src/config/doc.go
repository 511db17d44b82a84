// Package config defines the configuration for an APN node.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// options, the node relies on a data directory, defined by Config.DataDir,
// where it expects to find or create:
//
//	priv_key   // a plain text file containing the raw private key (cf. apn keygen).
//	peers_db   // (with --store) the Badger database persisting the peer registry.
//	rewards.db // the SQLite reward ledger.
package config
