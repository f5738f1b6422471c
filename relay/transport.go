package relay

import "context"

// TransportListener receives unsolicited transport notifications.
type TransportListener interface {
	// OnConnectionLost is called once when an established connection drops
	// without a Disconnect request.
	OnConnectionLost(err error)
}

// Transport is the network connection used by a Client. Implementations must
// be safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context, listener TransportListener) error
	Authenticate(ctx context.Context, username string, credential []byte, deviceID string, mode AuthMode) error
	LoginAnonymously(ctx context.Context, deviceID string, suspend bool) error
	Disconnect() error
	IsConnected() bool
	// GenID returns a new unique item id.
	GenID() string
	SetPriority(level int) error
	// Deliver hands item to the server and returns after it is acknowledged.
	// A RejectedError means the server refused the item for good.
	Deliver(ctx context.Context, item *OutboxItem) error
}

// Status is the outcome of a registrar call.
type Status int

// Registrar statuses.
const (
	StatusOK Status = iota
	StatusBadRequest
	StatusFailed
)

func (status Status) String() string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	default:
		return "FAILED"
	}
}

// DeviceRegistration is the device record sent after authentication.
type DeviceRegistration struct {
	DeviceID      string
	PushType      string
	PushToken     string
	OS            string
	OSVersion     string
	Model         string
	DisplayName   string
	ProtocolMajor int
	ProtocolMinor int
}

// Registrar registers and unregisters the device with the server.
type Registrar interface {
	Register(ctx context.Context, registration DeviceRegistration) (Status, error)
	Unregister(ctx context.Context, deviceID string) (Status, error)
}

// PushTokenProvider supplies the platform push token. Clients without push
// support leave it nil.
type PushTokenProvider interface {
	CurrentToken() (string, error)
	TokenVersion() int
	PushType() string
}

// HardwareIDSource yields a stable hardware identifier when one exists.
type HardwareIDSource interface {
	HardwareID() (string, error)
}

// HardwareIDFunc adapts a function to HardwareIDSource.
type HardwareIDFunc func() (string, error)

// HardwareID calls fn.
func (fn HardwareIDFunc) HardwareID() (string, error) {
	return fn()
}
