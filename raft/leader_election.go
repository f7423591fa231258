package raft

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ngaut/log"
)

// ElectionResult is the single outcome of one election round.
type ElectionResult struct {
	VoteRequest      VoteRequest
	Decision         ElectionVote
	HighestVoterTerm uint64
	Message          string
	StartTime        time.Time
}

// DecisionCallback receives the result. It is invoked exactly once per
// election, never under the election's lock.
type DecisionCallback func(result *ElectionResult)

type voterState struct {
	peerUuid string
	proxy    PeerProxy
	proxyErr error
	request  VoteRequest
	response VoteResponse
}

func (vs *voterState) PeerInfo() string {
	info := vs.peerUuid
	if vs.proxy != nil {
		info += fmt.Sprintf(" (%s)", vs.proxy.PeerName())
	}
	return info
}

// LeaderElection drives one round of remote vote RPCs to a decision. The
// outer consensus driver holds a reference until every RPC has completed;
// late responses after the decision only update the tally.
type LeaderElection struct {
	mu sync.Mutex

	// Whether the election has invoked its decision callback yet.
	hasResponded bool
	result       *ElectionResult

	config           Config
	proxyFactory     PeerProxyFactory
	request          VoteRequest
	voteCounter      *VoteCounter
	timeout          time.Duration
	decisionCallback DecisionCallback

	voterState       map[string]*voterState
	highestVoterTerm uint64
	startTime        time.Time
}

// NewLeaderElection wires up a round. The counter must already hold the
// candidate's self-vote.
func NewLeaderElection(
	config Config,
	proxyFactory PeerProxyFactory,
	request VoteRequest,
	voteCounter *VoteCounter,
	timeout time.Duration,
	decisionCallback DecisionCallback,
) *LeaderElection {
	return &LeaderElection{
		config:           config,
		proxyFactory:     proxyFactory,
		request:          request,
		voteCounter:      voteCounter,
		timeout:          timeout,
		decisionCallback: decisionCallback,
		voterState:       make(map[string]*voterState),
	}
}

// Run starts the round: builds proxies, checks for an immediate decision
// (single-node config), then issues the vote RPCs. Returns without waiting
// for responses.
func (e *LeaderElection) Run() {
	log.Debugf("%sRunning leader election.", e.logPrefix())
	e.startTime = time.Now()

	var otherVoterUuids []string
	for _, peer := range e.config.Peers {
		if peer.Uuid == e.request.CandidateUuid {
			if peer.MemberType != Voter {
				panic(fmt.Sprintf("non-voter member %s tried to start an election", peer.Uuid))
			}
			continue
		}
		if peer.MemberType != Voter {
			continue
		}
		otherVoterUuids = append(otherVoterUuids, peer.Uuid)

		state := &voterState{peerUuid: peer.Uuid}
		state.proxy, state.proxyErr = e.proxyFactory.NewProxy(peer)
		e.voterState[peer.Uuid] = state
	}

	// The candidate votes for itself before the round starts.
	if n := e.voteCounter.GetTotalVotesCounted(); n != 1 {
		panic(fmt.Sprintf("candidate must vote for itself first; counted %d votes", n))
	}
	if got, want := e.voteCounter.GetTotalVotesCounted()+len(otherVoterUuids),
		e.voteCounter.GetTotalExpectedVotes(); got != want {
		panic(fmt.Sprintf("expected different number of voters: have %d, config wants %d; voter uuids: [%s]",
			got, want, strings.Join(otherVoterUuids, ", ")))
	}

	// The self-vote may already be a majority in a single-node config.
	e.CheckForDecision()

	var otherVoterInfo []string
	for _, voterUuid := range otherVoterUuids {
		state := e.voterState[voterUuid]
		otherVoterInfo = append(otherVoterInfo, state.PeerInfo())

		if state.proxyErr != nil {
			log.Warnf("%sWas unable to construct an RPC proxy to peer %s: %v. Counting it as a 'NO' vote.",
				e.logPrefix(), state.PeerInfo(), state.proxyErr)
			e.mu.Lock()
			e.recordVoteLocked(state, VoteDenied)
			e.mu.Unlock()
			e.CheckForDecision()
			continue
		}

		state.request = e.request
		state.request.DestUuid = voterUuid

		uuid := voterUuid
		state.proxy.RequestVoteAsync(&state.request, e.timeout, &state.response, func(rpcErr error) {
			e.voteResponseRpcCallback(uuid, rpcErr)
		})
	}
	prefix := ""
	if e.request.IsPreElection {
		prefix = "pre-"
	}
	log.Infof("%sRequested %svote from peers %s", e.logPrefix(), prefix, strings.Join(otherVoterInfo, ", "))
}

// CheckForDecision finalizes the result once the tally is decided or a
// higher-term discovery has cancelled the round, and fires the callback
// outside the lock.
func (e *LeaderElection) CheckForDecision() {
	toRespond := false
	e.mu.Lock()
	if e.result == nil && e.voteCounter.IsDecided() {
		decision, err := e.voteCounter.GetDecision()
		if err != nil {
			panic(err)
		}
		won := decision == VoteGranted
		outcome := "lost"
		if won {
			outcome = "won"
		}
		log.Infof("%sElection decided. Result: candidate %s. Election summary: %s",
			e.logPrefix(), outcome, e.voteCounter.GetElectionSummary())
		msg := "could not achieve majority"
		if won {
			msg = "achieved majority votes"
		}
		e.result = &ElectionResult{
			VoteRequest:      e.request,
			Decision:         decision,
			HighestVoterTerm: e.highestVoterTerm,
			Message:          msg,
			StartTime:        e.startTime,
		}
	}
	// Responding can be triggered either by a decided tally or by a
	// higher-term cancellation having populated the result.
	if e.result != nil && !e.hasResponded {
		e.hasResponded = true
		toRespond = true
	}
	result := e.result
	e.mu.Unlock()

	if toRespond {
		observeElectionDecided(result)
		e.decisionCallback(result)
	}
}

// HasResponded reports whether the decision callback has fired. An election
// must never be dropped before it has.
func (e *LeaderElection) HasResponded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasResponded
}

func (e *LeaderElection) voteResponseRpcCallback(voterUuid string, rpcErr error) {
	e.mu.Lock()
	state, ok := e.voterState[voterUuid]
	if !ok {
		panic(fmt.Sprintf("vote response from unknown voter %s", voterUuid))
	}
	switch {
	case rpcErr != nil:
		log.Warnf("%sRPC error from VoteRequest() call to peer %s: %v",
			e.logPrefix(), state.PeerInfo(), rpcErr)
		e.recordVoteLocked(state, VoteDenied)

	case state.response.Error != nil:
		log.Warnf("%sTablet error from VoteRequest() call to peer %s: %v",
			e.logPrefix(), state.PeerInfo(), state.response.Error)
		e.recordVoteLocked(state, VoteDenied)

	case state.response.ResponderUuid != voterUuid:
		// The peer changed identity under us; our view of the config is
		// inconsistent, so its vote cannot be counted.
		log.Errorf("%s%s: peer UUID mismatch from VoteRequest(): expected %s; actual %s",
			e.logPrefix(), state.PeerInfo(), voterUuid, state.response.ResponderUuid)
		e.recordVoteLocked(state, VoteDenied)

	default:
		if state.response.ResponderTerm > e.highestVoterTerm {
			e.highestVoterTerm = state.response.ResponderTerm
		}
		if state.response.VoteGranted {
			e.handleVoteGrantedLocked(state)
		} else {
			e.handleVoteDeniedLocked(state)
		}
	}
	e.mu.Unlock()

	// Check for a decision outside the lock.
	e.CheckForDecision()
}

func (e *LeaderElection) recordVoteLocked(state *voterState, vote ElectionVote) {
	duplicate, err := e.voteCounter.RegisterVote(state.peerUuid, vote)
	if err != nil {
		log.Warnf("%sError registering vote for peer %s: %v", e.logPrefix(), state.PeerInfo(), err)
		return
	}
	if duplicate {
		// There is no retry of vote requests, so a duplicate response means
		// a peer bug rather than a network artifact; log loudly.
		log.Errorf("%sDuplicate vote received from peer %s", e.logPrefix(), state.PeerInfo())
	}
}

func (e *LeaderElection) handleHigherTermLocked(state *voterState) {
	msg := fmt.Sprintf("Vote denied by peer %s with higher term. Message: %v",
		state.PeerInfo(), state.response.ConsensusError)
	log.Infof("%s%s", e.logPrefix(), msg)

	if e.result == nil {
		log.Infof("%sCancelling election due to peer responding with higher term", e.logPrefix())
		e.result = &ElectionResult{
			VoteRequest:      e.request,
			Decision:         VoteDenied,
			HighestVoterTerm: state.response.ResponderTerm,
			Message:          msg,
			StartTime:        e.startTime,
		}
	}
}

func (e *LeaderElection) handleVoteGrantedLocked(state *voterState) {
	log.Debugf("%sVote granted by peer %s", e.logPrefix(), state.PeerInfo())
	e.recordVoteLocked(state, VoteGranted)
}

func (e *LeaderElection) handleVoteDeniedLocked(state *voterState) {
	// A denial carrying a term greater than the candidate's cancels the
	// election outright; the denied vote is still recorded.
	if state.response.ResponderTerm > e.request.CandidateTerm {
		e.handleHigherTermLocked(state)
	}
	log.Debugf("%sVote denied by peer %s. Message: %v",
		e.logPrefix(), state.PeerInfo(), state.response.ConsensusError)
	e.recordVoteLocked(state, VoteDenied)
}

func (e *LeaderElection) logPrefix() string {
	prefix := ""
	if e.request.IsPreElection {
		prefix = "pre-"
	}
	return fmt.Sprintf("T %s P %s [CANDIDATE]: Term %d %selection: ",
		e.request.TabletId, e.request.CandidateUuid, e.request.CandidateTerm, prefix)
}
