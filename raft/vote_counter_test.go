package raft

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestVoteCounterMajorityGrants(t *testing.T) {
	c := NewVoteCounter(3, 2)
	require.False(t, c.IsDecided())
	_, err := c.GetDecision()
	require.Equal(t, ErrVoteNotDecided, errors.Cause(err))

	dup, err := c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)
	require.False(t, dup)
	require.False(t, c.IsDecided())

	dup, err = c.RegisterVote("peer-b", VoteGranted)
	require.Nil(t, err)
	require.False(t, dup)
	require.True(t, c.IsDecided())

	decision, err := c.GetDecision()
	require.Nil(t, err)
	require.Equal(t, VoteGranted, decision)
	require.Equal(t, 2, c.GetTotalVotesCounted())
	require.False(t, c.AreAllVotesIn())
}

func TestVoteCounterMajorityDenies(t *testing.T) {
	c := NewVoteCounter(3, 2)
	_, err := c.RegisterVote("peer-a", VoteDenied)
	require.Nil(t, err)
	require.False(t, c.IsDecided())

	// no > numVoters - majority decides the loss.
	_, err = c.RegisterVote("peer-b", VoteDenied)
	require.Nil(t, err)
	require.True(t, c.IsDecided())
	decision, err := c.GetDecision()
	require.Nil(t, err)
	require.Equal(t, VoteDenied, decision)
}

func TestVoteCounterDuplicateVote(t *testing.T) {
	c := NewVoteCounter(3, 2)
	dup, err := c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)
	require.False(t, dup)

	dup, err = c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)
	require.True(t, dup)
	require.Equal(t, 1, c.GetTotalVotesCounted())
}

func TestVoteCounterChangedVote(t *testing.T) {
	c := NewVoteCounter(3, 2)
	_, err := c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)

	_, err = c.RegisterVote("peer-a", VoteDenied)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "voted a different way twice")
	require.Equal(t, 1, c.GetTotalVotesCounted())
}

func TestVoteCounterTooManyVoters(t *testing.T) {
	c := NewVoteCounter(2, 2)
	_, err := c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)
	_, err = c.RegisterVote("peer-b", VoteDenied)
	require.Nil(t, err)
	require.True(t, c.AreAllVotesIn())

	_, err = c.RegisterVote("peer-c", VoteGranted)
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "exceed the expected number of voters")
}

func TestVoteCounterSingleVoter(t *testing.T) {
	c := NewVoteCounter(1, 1)
	_, err := c.RegisterVote("peer-a", VoteGranted)
	require.Nil(t, err)
	require.True(t, c.IsDecided())
	decision, err := c.GetDecision()
	require.Nil(t, err)
	require.Equal(t, VoteGranted, decision)
}

func TestMajoritySize(t *testing.T) {
	require.Equal(t, 1, MajoritySize(1))
	require.Equal(t, 2, MajoritySize(2))
	require.Equal(t, 2, MajoritySize(3))
	require.Equal(t, 3, MajoritySize(4))
	require.Equal(t, 3, MajoritySize(5))
}
