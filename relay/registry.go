package relay

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// RegistryOptions supplies the collaborators for clients created by a
// Registry. NewTransport is required.
type RegistryOptions struct {
	NewTransport func(settings Settings) (Transport, error)
	// NewRegistrar is optional; when nil a transport implementing Registrar
	// is used.
	NewRegistrar func(settings Settings, transport Transport) (Registrar, error)
	PushTokens   PushTokenProvider
	HardwareID   HardwareIDSource
	Logger       logrus.FieldLogger
}

// Registry owns named Client instances sharing one data directory and
// device identity. Each name maps to exactly one live Client.
type Registry struct {
	lock     sync.Mutex
	base     Settings
	options  RegistryOptions
	identity *DeviceIdentity
	clients  map[string]*Client
	closed   bool
}

// NewRegistry builds a Registry. base provides every setting but the name.
func NewRegistry(base Settings, options RegistryOptions) (*Registry, error) {
	if options.NewTransport == nil {
		return nil, NewError(ValidationError, "transport factory is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	path := ""
	if base.DataDir != "" {
		path = filepath.Join(base.DataDir, deviceIDFile)
	}
	return &Registry{
		base:     base,
		options:  options,
		identity: NewDeviceIdentity(path, options.HardwareID, options.Logger),
		clients:  make(map[string]*Client),
	}, nil
}

// Client returns the instance called name, creating it on first use.
func (registry *Registry) Client(name string) (*Client, error) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	if registry.closed {
		return nil, NewError(ClosedError, "registry is closed")
	}
	settings := registry.base
	settings.Name = name
	settings = normalizeSettings(settings)
	if client, ok := registry.clients[settings.Name]; ok {
		return client, nil
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	transport, err := registry.options.NewTransport(settings)
	if err != nil {
		return nil, err
	}
	var registrar Registrar
	if registry.options.NewRegistrar != nil {
		registrar, err = registry.options.NewRegistrar(settings, transport)
		if err != nil {
			return nil, err
		}
	}
	client, err := NewClient(settings, Dependencies{
		Transport:  transport,
		Registrar:  registrar,
		PushTokens: registry.options.PushTokens,
		Identity:   registry.identity,
		Logger:     registry.options.Logger,
	})
	if err != nil {
		return nil, err
	}
	registry.clients[settings.Name] = client
	return client, nil
}

// Lookup returns an existing instance without creating one.
func (registry *Registry) Lookup(name string) (*Client, bool) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	settings := normalizeSettings(Settings{Name: name})
	client, ok := registry.clients[settings.Name]
	return client, ok
}

// Names lists the live instance names in sorted order.
func (registry *Registry) Names() []string {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	names := make([]string, 0, len(registry.clients))
	for name := range registry.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes and forgets the instance called name. Its persisted state
// stays on disk and is picked up by the next Client(name).
func (registry *Registry) Remove(name string) error {
	registry.lock.Lock()
	settings := normalizeSettings(Settings{Name: name})
	client, ok := registry.clients[settings.Name]
	delete(registry.clients, settings.Name)
	registry.lock.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// Close closes every instance. Further Client calls fail.
func (registry *Registry) Close() error {
	registry.lock.Lock()
	registry.closed = true
	clients := registry.clients
	registry.clients = make(map[string]*Client)
	registry.lock.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
