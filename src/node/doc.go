// Package node implements the APN node runtime. A node broadcasts signed
// heartbeats carrying its hardware snapshot, listens for the announces and
// heartbeats of other nodes, maintains the peer registry's liveness states,
// and drives the reward pipeline from tracking through settlement.
package node
