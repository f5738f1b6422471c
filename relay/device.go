package relay

import (
	"crypto/sha256"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/wal"
)

const deviceIDFile = "device_id"

// DeviceIdentity yields the stable per-device identifier. The first call
// derives or generates the id and persists it before returning.
type DeviceIdentity struct {
	lock   sync.Mutex
	path   string
	source HardwareIDSource
	logger logrus.FieldLogger
	cached string
}

// NewDeviceIdentity stores the id at path. An empty path keeps it in memory
// for the process lifetime. source may be nil.
func NewDeviceIdentity(path string, source HardwareIDSource, logger logrus.FieldLogger) *DeviceIdentity {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeviceIdentity{path: path, source: source, logger: logger}
}

// GetOrCreate returns the persisted id, creating it on first use.
func (identity *DeviceIdentity) GetOrCreate() (string, error) {
	if identity == nil {
		return "", errors.New("nil device identity")
	}
	identity.lock.Lock()
	defer identity.lock.Unlock()

	if identity.cached != "" {
		return identity.cached, nil
	}

	if identity.path != "" {
		data, err := wal.Read(identity.path)
		if err == nil {
			if stored := strings.TrimSpace(string(data)); stored != "" {
				identity.cached = stored
				return stored, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", NewError(StorageError, "read device id", err)
		}
	}

	deviceID := identity.derive()
	if identity.path != "" {
		if err := os.MkdirAll(filepath.Dir(identity.path), 0700); err != nil {
			return "", NewError(StorageError, "create device id directory", err)
		}
		if err := wal.Write(identity.path, []byte(deviceID)); err != nil {
			return "", NewError(StorageError, "persist device id", err)
		}
	}
	identity.cached = deviceID
	return deviceID, nil
}

func (identity *DeviceIdentity) derive() string {
	if identity.source != nil {
		hardwareID, err := identity.source.HardwareID()
		if err == nil && strings.TrimSpace(hardwareID) != "" {
			return hashedDeviceID(hardwareID)
		}
		if err != nil {
			identity.logger.WithFields(logrus.Fields{
				"function": "DeviceIdentity.derive",
				"error":    err.Error(),
			}).Debug("hardware id unavailable, using random device id")
		}
	}
	return randomDeviceID()
}

func hashedDeviceID(hardwareID string) string {
	digest := sha256.Sum256([]byte(hardwareID))
	return new(big.Int).SetBytes(digest[:]).Text(36)
}

func randomDeviceID() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:]).Text(36)
}
