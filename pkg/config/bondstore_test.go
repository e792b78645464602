package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/padlink/pkg/config"
)

func TestBondStoreLifecycle(t *testing.T) {
	// GOAL: Verify remember/recall/forget of the bonded controller address
	//
	// TEST SCENARIO: Fresh store has no bond → Remember persists →
	// a new store over the same file recalls it → Forget clears file and
	// memory

	path := filepath.Join(t.TempDir(), "bond.yaml")

	store := config.NewBondStore(path)
	assert.Empty(t, store.Address(), "a fresh store MUST have no bond")

	require.NoError(t, store.Remember("AA:BB:CC:DD:EE:FF", "SteamController"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", store.Address())

	reopened := config.NewBondStore(path)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", reopened.Address(), "the bond MUST survive a restart")

	require.NoError(t, store.Forget())
	assert.Empty(t, store.Address(), "the bond MUST be gone after Forget")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the bond file MUST be removed")

	assert.NoError(t, store.Forget(), "forgetting twice MUST be a no-op")
}

func TestBondStoreRejectsEmptyAddress(t *testing.T) {
	store := config.NewBondStore(filepath.Join(t.TempDir(), "bond.yaml"))
	assert.Error(t, store.Remember("  ", "SteamController"), "a blank address MUST be rejected")
	assert.Empty(t, store.Address())
}

func TestBondStoreCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "bond.yaml")
	store := config.NewBondStore(path)
	require.NoError(t, store.Remember("aa:bb:cc:dd:ee:ff", ""))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "the bond file MUST be private")
}

func TestBondStoreToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	store := config.NewBondStore(path)
	assert.Empty(t, store.Address(), "a corrupt bond file MUST read as no bond")
}
