package raft

import "fmt"

// MemberType is the role a peer plays in the Raft config.
type MemberType int

const (
	// Voter peers count toward quorum and receive vote requests.
	Voter MemberType = iota
	// Learner peers replicate but never vote.
	Learner
	// NonVoter peers are staged replicas with no replication guarantees.
	NonVoter
)

var mtmap = [...]string{
	"VOTER",
	"LEARNER",
	"NON_VOTER",
}

func (mt MemberType) String() string {
	return mtmap[int(mt)]
}

// Peer identifies one replica of a tablet.
type Peer struct {
	Uuid       string
	Addr       string
	MemberType MemberType
}

func (p Peer) String() string {
	return fmt.Sprintf("%s (%s) [%s]", p.Uuid, p.Addr, p.MemberType)
}

// Config is the replica membership of one tablet's Raft group.
type Config struct {
	Peers []Peer
}

// CountVoters returns the number of VOTER peers.
func (c *Config) CountVoters() int {
	n := 0
	for _, p := range c.Peers {
		if p.MemberType == Voter {
			n++
		}
	}
	return n
}

// MajoritySize returns the quorum size for the given number of voters.
func MajoritySize(numVoters int) int {
	return numVoters/2 + 1
}
