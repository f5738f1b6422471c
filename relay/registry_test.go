package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, map[string]*fakeTransport) {
	t.Helper()
	transports := make(map[string]*fakeTransport)
	registry, err := NewRegistry(testSettings(t), RegistryOptions{
		NewTransport: func(settings Settings) (Transport, error) {
			if settings.Name == "broken" {
				return nil, errors.New("no transport")
			}
			transport := &fakeTransport{}
			transports[settings.Name] = transport
			return transport, nil
		},
		NewRegistrar: func(Settings, Transport) (Registrar, error) {
			return &fakeRegistrar{}, nil
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	return registry, transports
}

func TestRegistryRequiresTransportFactory(t *testing.T) {
	_, err := NewRegistry(testSettings(t), RegistryOptions{})
	assert.True(t, IsCode(err, ValidationError))
}

func TestRegistryReturnsOneClientPerName(t *testing.T) {
	registry, transports := newTestRegistry(t)

	first, err := registry.Client("alpha")
	require.NoError(t, err)
	again, err := registry.Client("alpha")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Len(t, transports, 1)

	second, err := registry.Client("beta")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
	assert.NotSame(t, first.Outbox(), second.Outbox())

	defaultClient, err := registry.Client("")
	require.NoError(t, err)
	assert.Equal(t, "default", defaultClient.Name())
	assert.Equal(t, []string{"alpha", "beta", "default"}, registry.Names())

	found, ok := registry.Lookup("beta")
	assert.True(t, ok)
	assert.Same(t, second, found)
	_, ok = registry.Lookup("gamma")
	assert.False(t, ok)
}

func TestRegistryRejectsBadNamesAndFactoryErrors(t *testing.T) {
	registry, _ := newTestRegistry(t)
	_, err := registry.Client("../escape")
	assert.True(t, IsCode(err, ValidationError))
	_, err = registry.Client("broken")
	assert.Error(t, err)
	assert.Empty(t, registry.Names())
}

func TestRegistryRemoveKeepsPersistedState(t *testing.T) {
	registry, _ := newTestRegistry(t)
	client, err := registry.Client("alpha")
	require.NoError(t, err)
	id, err := client.Send([]string{"bob"}, textPayload("hi"), SendOptions{})
	require.NoError(t, err)

	require.NoError(t, registry.Remove("alpha"))
	require.NoError(t, registry.Remove("alpha"))
	assert.Empty(t, registry.Names())

	reopened, err := registry.Client("alpha")
	require.NoError(t, err)
	assert.NotSame(t, client, reopened)
	assert.Equal(t, []string{id}, reopened.PendingIDs())
}

func TestRegistryClose(t *testing.T) {
	registry, _ := newTestRegistry(t)
	_, err := registry.Client("alpha")
	require.NoError(t, err)
	require.NoError(t, registry.Close())

	_, err = registry.Client("alpha")
	assert.True(t, IsCode(err, ClosedError))
	assert.Empty(t, registry.Names())
}
