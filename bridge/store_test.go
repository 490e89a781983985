package bridge

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/roomchat/history"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenGeneratesRoomIdentity(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "room.db"))

	data, err := store.RootData()
	require.NoError(t, err)

	assert.NotEmpty(t, data.RoomName)
	assert.Len(t, data.Secret, secretLength)
	assert.True(t, len(data.InstanceID) > len("user-"))
	assert.Empty(t, data.History)

	// The creating installation owns the room.
	owner, err := store.OwnerID()
	require.NoError(t, err)
	assert.Equal(t, data.InstanceID, owner)
}

func TestRoomIdentitySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.db")

	store, err := Open(path)
	require.NoError(t, err)
	first, err := store.RootData()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	second, err := reopened.RootData()
	require.NoError(t, err)

	assert.Equal(t, first.RoomName, second.RoomName)
	assert.Equal(t, first.Secret, second.Secret)
	assert.Equal(t, first.InstanceID, second.InstanceID)
}

func TestHistoryAppendAndClear(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "room.db"))

	records := []history.Record{
		{ID: "1-user-a", AuthorID: "user-a", Ciphertext: "ct1"},
		{ID: "2-user-b", AuthorID: "user-b", Ciphertext: "ct2"},
	}
	for _, rec := range records {
		require.NoError(t, store.AppendHistory(rec))
	}

	got, err := store.History()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user-a", got[0].AuthorID)
	assert.Equal(t, "ct2", got[1].Ciphertext)

	require.NoError(t, store.ClearHistory())

	got, err = store.History()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSettingsRoundTrip(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "room.db"))

	saved := Settings{
		Name:                      "alice",
		Color:                     "#ff0000",
		EnableNotificationTooltip: true,
	}
	require.NoError(t, store.SaveSettings(saved))

	data, err := store.RootData()
	require.NoError(t, err)
	assert.Equal(t, saved, data.Settings)
}

func TestServerURLOverride(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "room.db"))

	url, err := store.ServerURL()
	require.NoError(t, err)
	assert.Empty(t, url)

	require.NoError(t, store.SetServerURL("wss://relay.example.com"))

	url, err = store.ServerURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com", url)
}

func TestRelaunchRecapEmptyForHeadlessStore(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "room.db"))

	recap, ok, err := store.RelaunchRecap()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, recap)
}
