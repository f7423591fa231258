package raft

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pingcap/errors"
)

// ElectionVote is a peer's answer in an election.
type ElectionVote int

const (
	VoteDenied ElectionVote = iota
	VoteGranted
)

func (v ElectionVote) String() string {
	if v == VoteGranted {
		return "GRANTED"
	}
	return "DENIED"
}

// ErrVoteNotDecided is returned by GetDecision while neither side has
// reached its threshold.
var ErrVoteNotDecided = errors.New("vote not yet decided")

// VoteCounter tallies the votes of one election round. Not synchronized;
// the election serializes access under its own lock.
type VoteCounter struct {
	numVoters    int
	majoritySize int

	votes    map[string]ElectionVote
	yesVotes int
	noVotes  int
}

// NewVoteCounter requires 0 < majoritySize <= numVoters.
func NewVoteCounter(numVoters, majoritySize int) *VoteCounter {
	if numVoters <= 0 {
		panic(fmt.Sprintf("bad numVoters %d", numVoters))
	}
	if majoritySize <= 0 || majoritySize > numVoters {
		panic(fmt.Sprintf("bad majoritySize %d for %d voters", majoritySize, numVoters))
	}
	return &VoteCounter{
		numVoters:    numVoters,
		majoritySize: majoritySize,
		votes:        make(map[string]ElectionVote),
	}
}

// RegisterVote records a vote. A repeat of an identical vote reports
// duplicate=true and changes nothing. A voter changing its vote, or more
// unique voters than the config allows, is a protocol violation.
func (c *VoteCounter) RegisterVote(voterUuid string, vote ElectionVote) (duplicate bool, err error) {
	if prior, ok := c.votes[voterUuid]; ok {
		if prior != vote {
			return false, errors.Errorf(
				"peer %s voted a different way twice in the same election. First vote: %v, second vote: %v",
				voterUuid, prior, vote)
		}
		return true, nil
	}

	if c.yesVotes+c.noVotes == c.numVoters {
		return false, errors.Errorf(
			"vote from peer %s would cause the number of votes to exceed the expected number of voters, "+
				"which is %d. Votes already received from the following peers: {%s}",
			voterUuid, c.numVoters, strings.Join(c.voterUuids(), ", "))
	}

	c.votes[voterUuid] = vote
	switch vote {
	case VoteGranted:
		c.yesVotes++
	case VoteDenied:
		c.noVotes++
	}
	return false, nil
}

// IsDecided is true once either side can no longer lose.
func (c *VoteCounter) IsDecided() bool {
	return c.yesVotes >= c.majoritySize ||
		c.noVotes > c.numVoters-c.majoritySize
}

// GetDecision returns the outcome, or ErrVoteNotDecided.
func (c *VoteCounter) GetDecision() (ElectionVote, error) {
	if c.yesVotes >= c.majoritySize {
		return VoteGranted, nil
	}
	if c.noVotes > c.numVoters-c.majoritySize {
		return VoteDenied, nil
	}
	return VoteDenied, errors.Trace(ErrVoteNotDecided)
}

func (c *VoteCounter) GetTotalVotesCounted() int {
	return c.yesVotes + c.noVotes
}

func (c *VoteCounter) GetTotalExpectedVotes() int {
	return c.numVoters
}

func (c *VoteCounter) AreAllVotesIn() bool {
	return c.GetTotalVotesCounted() == c.numVoters
}

// GetElectionSummary renders the tally for logs.
func (c *VoteCounter) GetElectionSummary() string {
	var yes, no []string
	for uuid, vote := range c.votes {
		if vote == VoteGranted {
			yes = append(yes, uuid)
		} else {
			no = append(no, uuid)
		}
	}
	sort.Strings(yes)
	sort.Strings(no)
	return fmt.Sprintf("received %d responses out of %d voters: %d yes votes; %d no votes. "+
		"yes voters: %s; no voters: %s",
		c.yesVotes+c.noVotes, c.numVoters, c.yesVotes, c.noVotes,
		strings.Join(yes, ", "), strings.Join(no, ", "))
}

func (c *VoteCounter) voterUuids() []string {
	uuids := make([]string, 0, len(c.votes))
	for uuid := range c.votes {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids
}
