package relay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Thejuampi/relay-client-go/relay/internal/wal"
)

const preferencesVersion = 1

// sessionPreferences is the per-client session state that survives restarts.
type sessionPreferences struct {
	Version          int       `json:"version"`
	SavedAt          time.Time `json:"saved_at"`
	AuthMode         AuthMode  `json:"auth_mode"`
	PushToken        string    `json:"push_token,omitempty"`
	PushTokenVersion int       `json:"push_token_version"`
	PushEnabled      bool      `json:"push_enabled"`
}

func defaultPreferences() sessionPreferences {
	return sessionPreferences{Version: preferencesVersion, PushEnabled: true}
}

// preferenceStore keeps sessionPreferences in a JSON file. An empty path keeps
// them in memory only.
type preferenceStore struct {
	lock   sync.Mutex
	path   string
	values sessionPreferences
}

func openPreferenceStore(path string) (*preferenceStore, error) {
	store := &preferenceStore{path: path, values: defaultPreferences()}
	if path == "" {
		return store, nil
	}
	data, err := wal.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, NewError(StorageError, "read session preferences", err)
	}
	loaded := defaultPreferences()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, NewError(StorageError, "decode session preferences", err)
	}
	store.values = loaded
	return store, nil
}

func (store *preferenceStore) get() sessionPreferences {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.values
}

// update applies mutate and persists the result. The in-memory copy is only
// replaced once the write succeeded.
func (store *preferenceStore) update(mutate func(*sessionPreferences)) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	next := store.values
	mutate(&next)
	if err := store.saveLocked(next); err != nil {
		return err
	}
	store.values = next
	return nil
}

// clear resets to defaults and removes the file.
func (store *preferenceStore) clear() error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.values = defaultPreferences()
	if store.path == "" {
		return nil
	}
	if err := os.Remove(store.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return NewError(StorageError, "remove session preferences", err)
	}
	return nil
}

func (store *preferenceStore) saveLocked(values sessionPreferences) error {
	if store.path == "" {
		return nil
	}
	values.Version = preferencesVersion
	values.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return NewError(StorageError, "encode session preferences", err)
	}
	if err := os.MkdirAll(filepath.Dir(store.path), 0700); err != nil {
		return NewError(StorageError, "create preferences directory", err)
	}
	if err := wal.Write(store.path, data); err != nil {
		return NewError(StorageError, "write session preferences", err)
	}
	return nil
}
