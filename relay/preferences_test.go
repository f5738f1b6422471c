package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client", "session.json")

	store, err := openPreferenceStore(path)
	require.NoError(t, err)
	assert.True(t, store.get().PushEnabled)

	require.NoError(t, store.update(func(values *sessionPreferences) {
		values.AuthMode = AuthModeAnonymous | AuthModeAutoCreate
		values.PushToken = "token-1"
		values.PushTokenVersion = 3
	}))

	reopened, err := openPreferenceStore(path)
	require.NoError(t, err)
	values := reopened.get()
	assert.Equal(t, AuthModeAnonymous|AuthModeAutoCreate, values.AuthMode)
	assert.Equal(t, "token-1", values.PushToken)
	assert.Equal(t, 3, values.PushTokenVersion)
	assert.True(t, values.PushEnabled)

	require.NoError(t, reopened.clear())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, AuthMode(0), reopened.get().AuthMode)
	require.NoError(t, reopened.clear())
}

func TestPreferenceStoreInMemory(t *testing.T) {
	store, err := openPreferenceStore("")
	require.NoError(t, err)
	require.NoError(t, store.update(func(values *sessionPreferences) { values.PushEnabled = false }))
	assert.False(t, store.get().PushEnabled)
	require.NoError(t, store.clear())
	assert.True(t, store.get().PushEnabled)
}

func TestPreferenceStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := openPreferenceStore(path)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestPreferenceStoreKeepsValuesWhenWriteFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	store := &preferenceStore{path: filepath.Join(blocker, "session.json"), values: defaultPreferences()}
	err := store.update(func(values *sessionPreferences) { values.PushToken = "lost" })
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, store.get().PushToken)
}
