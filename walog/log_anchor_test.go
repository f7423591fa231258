package walog

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	registry := NewLogAnchorRegistry()
	anchor := new(LogAnchor)

	registry.Register(42, "test", anchor)
	require.True(t, anchor.Registered())
	require.Equal(t, 1, registry.AnchorCount())

	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(42), earliest)

	require.Nil(t, registry.Unregister(anchor))
	require.False(t, anchor.Registered())
	require.Equal(t, 0, registry.AnchorCount())

	_, err = registry.GetEarliestRegisteredLogIndex()
	require.Equal(t, ErrNoAnchors, errors.Cause(err))

	registry.Close()
}

func TestEarliestIsMinimum(t *testing.T) {
	registry := NewLogAnchorRegistry()
	a50, a30, a90 := new(LogAnchor), new(LogAnchor), new(LogAnchor)
	registry.Register(50, "holder-a", a50)
	registry.Register(30, "holder-b", a30)
	registry.Register(90, "holder-c", a90)

	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(30), earliest)

	require.Nil(t, registry.Unregister(a30))
	earliest, err = registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(50), earliest)

	require.Nil(t, registry.Unregister(a50))
	require.Nil(t, registry.Unregister(a90))
	registry.Close()
}

func TestDuplicateIndices(t *testing.T) {
	registry := NewLogAnchorRegistry()
	a, b := new(LogAnchor), new(LogAnchor)
	registry.Register(7, "first", a)
	registry.Register(7, "second", b)
	require.Equal(t, 2, registry.AnchorCount())

	require.Nil(t, registry.Unregister(a))
	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(7), earliest)

	require.Nil(t, registry.Unregister(b))
	registry.Close()
}

func TestRegisterOrUpdate(t *testing.T) {
	registry := NewLogAnchorRegistry()
	anchor := new(LogAnchor)
	require.Nil(t, registry.RegisterOrUpdate(100, "mover", anchor))
	require.Nil(t, registry.RegisterOrUpdate(60, "mover", anchor))
	require.Equal(t, 1, registry.AnchorCount())

	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(60), earliest)

	require.Nil(t, registry.Unregister(anchor))
	registry.Close()
}

func TestUnregisterNotRegistered(t *testing.T) {
	registry := NewLogAnchorRegistry()
	anchor := new(LogAnchor)
	err := registry.Unregister(anchor)
	require.Equal(t, ErrAnchorNotFound, errors.Cause(err))
	require.Nil(t, registry.UnregisterIfAnchored(anchor))
	registry.Close()
}

func TestMinLogIndexAnchorer(t *testing.T) {
	registry := NewLogAnchorRegistry()
	anchorer := NewMinLogIndexAnchorer(registry, "dms-1")
	require.Equal(t, InvalidLogIndex, anchorer.MinimumLogIndex())

	require.Nil(t, anchorer.AnchorIfMinimum(50))
	require.Nil(t, anchorer.AnchorIfMinimum(80))
	require.Equal(t, int64(50), anchorer.MinimumLogIndex())

	require.Nil(t, anchorer.AnchorIfMinimum(20))
	require.Equal(t, int64(20), anchorer.MinimumLogIndex())
	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(20), earliest)

	require.Nil(t, anchorer.ReleaseAnchor())
	// Releasing again is a no-op.
	require.Nil(t, anchorer.ReleaseAnchor())
	require.Equal(t, 0, registry.AnchorCount())
	registry.Close()
}
