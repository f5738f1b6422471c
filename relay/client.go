package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/dispatch"
)

const (
	sessionFile = "session.json"
	outboxDir   = "outbox"
)

// Dependencies are the collaborators injected into a Client. Only Transport
// is required.
type Dependencies struct {
	Transport Transport
	// Registrar registers the device after authentication. When nil and
	// Transport implements Registrar, the transport is used.
	Registrar Registrar
	// PushTokens is nil on platforms without push support.
	PushTokens        PushTokenProvider
	HardwareID        HardwareIDSource
	Identity          *DeviceIdentity
	Outbox            Outbox
	ReconnectStrategy ReconnectDelayStrategy
	Logger            logrus.FieldLogger
}

// Client is the session controller: it drives the connection lifecycle and
// delivers queued items through the transport. All lifecycle work runs on a
// single dispatch queue; exported methods may be called from any goroutine.
type Client struct {
	settings   Settings
	transport  Transport
	registrar  Registrar
	pushTokens PushTokenProvider
	deviceID   string
	codec      *Codec
	outbox     Outbox
	prefs      *preferenceStore
	strategy   ReconnectDelayStrategy
	history    *statusHistory
	worker     *dispatch.Queue
	bus        *EventBus
	logger     logrus.FieldLogger

	lock                  sync.Mutex
	state                 SessionState
	ready                 bool
	request               *connectRequest
	connectCompletion     *Completion
	disconnectCompletion  *Completion
	disconnectDeactivates bool
	info                  *ConnectionInfo
	epoch                 uint64
	reconnectTimer        *time.Timer
	reconnectAttempt      int
	closed                bool

	drainScheduled atomic.Bool
	closeOnce      sync.Once
	closeErr       error
}

// NewClient builds a Client. It fails when the settings are invalid, the
// device identity cannot be established or encryption cannot be initialized;
// a Client never stores items unencrypted.
func NewClient(settings Settings, deps Dependencies) (*Client, error) {
	settings = normalizeSettings(settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, NewError(ValidationError, "transport is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("client", settings.Name)

	identity := deps.Identity
	if identity == nil {
		path := ""
		if settings.DataDir != "" {
			path = filepath.Join(settings.DataDir, deviceIDFile)
		}
		identity = NewDeviceIdentity(path, deps.HardwareID, logger)
	}
	deviceID, err := identity.GetOrCreate()
	if err != nil {
		return nil, err
	}

	codec, err := NewCodec(settings.StaticSecret, settings.PackageIdentity, deviceID)
	if err != nil {
		return nil, err
	}

	clientDir := settings.clientDir()
	prefsPath := ""
	if clientDir != "" {
		prefsPath = filepath.Join(clientDir, sessionFile)
	}
	prefs, err := openPreferenceStore(prefsPath)
	if err != nil {
		return nil, err
	}

	outbox := deps.Outbox
	if outbox == nil {
		if clientDir != "" {
			outbox, err = OpenFileOutbox(filepath.Join(clientDir, outboxDir), codec, &FileOutboxOptions{
				SyncOnWrite: settings.SyncOnWrite,
				Logger:      logger,
			})
			if err != nil {
				return nil, err
			}
		} else {
			outbox = NewMemoryOutbox()
		}
	}

	registrar := deps.Registrar
	if registrar == nil {
		registrar, _ = deps.Transport.(Registrar)
	}
	strategy := deps.ReconnectStrategy
	if strategy == nil {
		strategy = strategyFromSettings(settings)
	}

	client := &Client{
		settings:   settings,
		transport:  deps.Transport,
		registrar:  registrar,
		pushTokens: deps.PushTokens,
		deviceID:   deviceID,
		codec:      codec,
		outbox:     outbox,
		prefs:      prefs,
		strategy:   strategy,
		history:    newStatusHistory(defaultHistorySize),
		logger:     logger,
	}
	client.worker = dispatch.New(func(recovered any) {
		client.logger.WithFields(logrus.Fields{
			"function": "Client.worker",
			"panic":    fmt.Sprint(recovered),
		}).Error("task panicked")
	})
	client.bus = newEventBus(logger)
	return client, nil
}

// Name returns the client's instance name.
func (client *Client) Name() string {
	return client.settings.Name
}

// Settings returns the normalized settings.
func (client *Client) Settings() Settings {
	return client.settings
}

// DeviceID returns the persisted device identifier.
func (client *Client) DeviceID() string {
	return client.deviceID
}

// Outbox returns the client's outbox.
func (client *Client) Outbox() Outbox {
	return client.outbox
}

// State returns the current session state.
func (client *Client) State() SessionState {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.state
}

// Ready reports whether the session is connected and the device registered.
func (client *Client) Ready() bool {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.ready
}

// Connected reports whether the session is in the Connected state.
func (client *Client) Connected() bool {
	return client.State() == StateConnected
}

// Subscribe adds an auxiliary listener behind the primary one.
func (client *Client) Subscribe(listener Listener) (unsubscribe func()) {
	return client.bus.Subscribe(listener)
}

// ConnectionInfo returns the current connection snapshot, rebuilding it when
// it was invalidated.
func (client *Client) ConnectionInfo() ConnectionInfo {
	client.lock.Lock()
	defer client.lock.Unlock()
	if client.info != nil {
		return *client.info
	}
	prefs := client.prefs.get()
	info := ConnectionInfo{
		Settings:         client.settings,
		PushToken:        prefs.PushToken,
		PushTokenVersion: prefs.PushTokenVersion,
		PushEnabled:      prefs.PushEnabled,
		AuthMode:         prefs.AuthMode,
	}
	if client.request != nil {
		info.Username = client.request.username
		info.credential = append([]byte(nil), client.request.credential...)
	}
	client.info = &info
	return info
}

func (client *Client) invalidateInfo() {
	client.lock.Lock()
	client.info = nil
	client.lock.Unlock()
}

// PushEnabled reports whether push registration is enabled.
func (client *Client) PushEnabled() bool {
	return client.prefs.get().PushEnabled
}

// SetPushEnabled persists the push flag and re-registers the device when the
// session is ready.
func (client *Client) SetPushEnabled(enabled bool) error {
	if err := client.prefs.update(func(values *sessionPreferences) { values.PushEnabled = enabled }); err != nil {
		return err
	}
	client.invalidateInfo()
	if !client.Ready() {
		return nil
	}
	return client.worker.Submit(func() {
		if _, err := client.registerDevice(); err != nil {
			client.logger.WithFields(logrus.Fields{
				"function": "Client.SetPushEnabled",
				"error":    err.Error(),
			}).Warn("device re-registration failed")
		}
	})
}

func (client *Client) setState(state SessionState) {
	client.lock.Lock()
	client.state = state
	if state != StateConnected {
		client.ready = false
	}
	client.lock.Unlock()
}

func (client *Client) current(epoch uint64) bool {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.epoch == epoch && !client.closed
}

func (client *Client) stopReconnectLocked() {
	if client.reconnectTimer != nil {
		client.reconnectTimer.Stop()
		client.reconnectTimer = nil
	}
	client.reconnectAttempt = 0
}

// Close disconnects without deactivating, waits for queued work, and releases
// the outbox. Further calls return the first result.
func (client *Client) Close() error {
	client.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), client.settings.ConnectTimeout+time.Second)
		defer cancel()
		if err := client.Disconnect(false).Wait(ctx); err != nil {
			client.logger.WithFields(logrus.Fields{
				"function": "Client.Close",
				"error":    err.Error(),
			}).Warn("disconnect during close failed")
		}

		client.lock.Lock()
		client.closed = true
		client.stopReconnectLocked()
		client.lock.Unlock()

		client.worker.Stop()
		client.bus.close()
		client.closeErr = client.outbox.Close()
	})
	return client.closeErr
}
