package raft

import "time"

// PeerProxy issues vote RPCs to a single remote peer. The transport behind
// it is not this package's concern.
type PeerProxy interface {
	// RequestVoteAsync sends the request and returns immediately. When the
	// call completes, resp has been filled in and done is invoked with the
	// RPC-layer error, if any. done may run on any goroutine.
	RequestVoteAsync(req *VoteRequest, timeout time.Duration, resp *VoteResponse, done func(rpcErr error))

	// PeerName names the remote end for logs.
	PeerName() string
}

// PeerProxyFactory builds per-peer proxies. NewProxy may fail (e.g. DNS
// resolution); the election records such peers as DENIED votes.
type PeerProxyFactory interface {
	NewProxy(peer Peer) (PeerProxy, error)
}
