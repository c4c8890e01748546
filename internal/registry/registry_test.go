package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlib/corelib/internal/core"
	"github.com/predictlib/corelib/internal/registry"
)

func TestTrackComponent(t *testing.T) {
	reg := registry.New(nil)

	require.NoError(t, reg.TrackComponent("c1", "page", nil))
	require.NoError(t, reg.TrackComponent("c2", "modal", map[string]any{"route": "/settings"}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "c2", list[1].ID)
	assert.Equal(t, "/settings", list[1].Metadata["route"])
}

func TestTrackComponentDuplicateIsNoOp(t *testing.T) {
	reg := registry.New(nil)

	require.NoError(t, reg.TrackComponent("c1", "page", nil))
	err := reg.TrackComponent("c1", "modal", nil)
	assert.ErrorIs(t, err, core.ErrComponentAlreadyTracked)

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "page", list[0].Type, "original descriptor must survive the duplicate")
}

func TestTrackComponentRejectsEmptyFields(t *testing.T) {
	reg := registry.New(nil)

	assert.Error(t, reg.TrackComponent("", "page", nil))
	assert.Error(t, reg.TrackComponent("c1", "", nil))
	assert.Empty(t, reg.List())
}

func TestAssociateActionWithComponent(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.TrackComponent("c1", "page", nil))

	require.NoError(t, reg.AssociateActionWithComponent("go-c1", "c1"))

	id, found := reg.GetComponentByAction("go-c1")
	require.True(t, found)
	assert.Equal(t, "c1", id)
}

func TestAssociateUntrackedComponentFails(t *testing.T) {
	reg := registry.New(nil)

	err := reg.AssociateActionWithComponent("go-ghost", "ghost")
	assert.ErrorIs(t, err, core.ErrComponentNotTracked)

	_, found := reg.GetComponentByAction("go-ghost")
	assert.False(t, found)
}

func TestGetComponentByActionUnknownIsSoftMiss(t *testing.T) {
	reg := registry.New(nil)

	id, found := reg.GetComponentByAction("never-bound")
	assert.False(t, found)
	assert.Empty(t, id)
}

func TestRebindOverwrites(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.TrackComponent("c1", "page", nil))
	require.NoError(t, reg.TrackComponent("c2", "page", nil))

	require.NoError(t, reg.AssociateActionWithComponent("go", "c1"))
	require.NoError(t, reg.AssociateActionWithComponent("go", "c2"))

	id, found := reg.GetComponentByAction("go")
	require.True(t, found)
	assert.Equal(t, "c2", id)
}
