package raft

// OpID identifies an entry in the replicated log.
type OpID struct {
	Term  uint64
	Index int64
}

// VoteRequest asks a peer for its vote in one election round.
type VoteRequest struct {
	// Uuid of the candidate asking for the vote.
	CandidateUuid string
	// Term the candidate wants to be elected in. For a pre-election this is
	// the term the candidate would campaign in; voters compare it without
	// advancing their own term.
	CandidateTerm uint64
	TabletId      string
	// Uuid of the peer the request is addressed to. Voters reject requests
	// whose DestUuid does not match their own identity.
	DestUuid string
	// A pre-election tests whether a real election would succeed, without
	// disturbing term state anywhere.
	IsPreElection bool
}

// VoteResponse is one peer's answer.
type VoteResponse struct {
	ResponderUuid string
	ResponderTerm uint64
	VoteGranted   bool

	// Error carries a tablet-level failure (replica not running, shutting
	// down). A response with Error set counts as a denial.
	Error error
	// ConsensusError explains a denial (log too far behind, already voted).
	ConsensusError error
}
