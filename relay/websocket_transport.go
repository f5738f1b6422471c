package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/wire"
)

const closeGracePeriod = time.Second

// wsSession is one live WebSocket connection and its in-flight requests.
type wsSession struct {
	conn     *websocket.Conn
	listener TransportListener
	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
	closing  atomic.Bool

	writeLock sync.Mutex
	lock      sync.Mutex
	waiters   map[uint64]chan wire.Frame
}

func (session *wsSession) shut() {
	session.once.Do(func() { close(session.done) })
}

// WebSocketTransport implements Transport and Registrar over one WebSocket
// connection carrying JSON frames. Each request waits for the matching ack
// or error frame from the server.
type WebSocketTransport struct {
	uri            string
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	logger         logrus.FieldLogger

	lock    sync.Mutex
	session *wsSession
	nextSeq atomic.Uint64
}

// NewWebSocketTransport builds a transport for settings.URI. Strict security
// requires a wss:// endpoint; relaxed security skips certificate checks.
func NewWebSocketTransport(settings Settings, logger logrus.FieldLogger) (*WebSocketTransport, error) {
	settings = normalizeSettings(settings)
	parsed, err := url.Parse(settings.URI)
	if err != nil {
		return nil, NewError(ValidationError, "invalid uri", err)
	}
	switch parsed.Scheme {
	case "wss":
	case "ws":
		if settings.Security == SecurityStrict {
			return nil, NewError(ValidationError, "strict security requires a wss:// uri")
		}
	default:
		return nil, NewError(ValidationError, "unsupported uri scheme "+fmt.Sprintf("%q", parsed.Scheme))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := *websocket.DefaultDialer
	if settings.Security == SecurityRelaxed {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- relaxed security is opt-in
	}
	return &WebSocketTransport{
		uri:            settings.URI,
		dialer:         &dialer,
		requestTimeout: settings.ConnectTimeout,
		logger:         logger.WithField("transport", "websocket"),
	}, nil
}

func (transport *WebSocketTransport) current() *wsSession {
	transport.lock.Lock()
	defer transport.lock.Unlock()
	return transport.session
}

// Connect dials the server. listener hears about losses the caller did not
// request.
func (transport *WebSocketTransport) Connect(ctx context.Context, listener TransportListener) error {
	if transport.current() != nil {
		return nil
	}
	conn, response, err := transport.dialer.DialContext(ctx, transport.uri, nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return NewError(ConnectionError, "dial "+transport.uri, err)
	}

	session := &wsSession{
		conn:     conn,
		listener: listener,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		waiters:  make(map[uint64]chan wire.Frame),
	}
	transport.lock.Lock()
	if transport.session != nil {
		transport.lock.Unlock()
		_ = conn.Close()
		return nil
	}
	transport.session = session
	transport.lock.Unlock()

	go transport.readRoutine(session)
	transport.logger.WithField("function", "WebSocketTransport.Connect").Debug("connected")
	return nil
}

func (transport *WebSocketTransport) readRoutine(session *wsSession) {
	defer close(session.exited)
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			transport.onConnectionError(session, err)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			transport.logger.WithFields(logrus.Fields{
				"function": "WebSocketTransport.readRoutine",
				"error":    err.Error(),
			}).Warn("undecodable frame")
			continue
		}
		if frame.IsRequest() || frame.Seq == 0 {
			continue
		}
		session.lock.Lock()
		waiter, ok := session.waiters[frame.Seq]
		delete(session.waiters, frame.Seq)
		session.lock.Unlock()
		if ok {
			waiter <- frame
		}
	}
}

func (transport *WebSocketTransport) onConnectionError(session *wsSession, err error) {
	session.shut()
	_ = session.conn.Close()

	transport.lock.Lock()
	if transport.session == session {
		transport.session = nil
	}
	transport.lock.Unlock()

	if session.closing.Load() {
		return
	}
	transport.logger.WithFields(logrus.Fields{
		"function": "WebSocketTransport.onConnectionError",
		"error":    err.Error(),
	}).Warn("connection lost")
	if session.listener != nil {
		session.listener.OnConnectionLost(NewError(ConnectionError, "connection lost", err))
	}
}

// Disconnect closes the connection without notifying the listener.
func (transport *WebSocketTransport) Disconnect() error {
	transport.lock.Lock()
	session := transport.session
	transport.session = nil
	if session != nil {
		session.closing.Store(true)
	}
	transport.lock.Unlock()
	if session == nil {
		return nil
	}

	session.writeLock.Lock()
	_ = session.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	session.writeLock.Unlock()
	err := session.conn.Close()
	session.shut()
	<-session.exited
	if err != nil {
		return NewError(ConnectionError, "close", err)
	}
	return nil
}

// IsConnected reports whether a connection is open.
func (transport *WebSocketTransport) IsConnected() bool {
	return transport.current() != nil
}

// GenID returns a fresh item id.
func (transport *WebSocketTransport) GenID() string {
	return uuid.NewString()
}

// Authenticate logs in as username.
func (transport *WebSocketTransport) Authenticate(ctx context.Context, username string, credential []byte, deviceID string, mode AuthMode) error {
	return transport.request(ctx, wire.Frame{
		Type:       wire.TypeAuth,
		Username:   username,
		Credential: credential,
		DeviceID:   deviceID,
		AuthMode:   int(mode),
	})
}

// LoginAnonymously starts an anonymous session for deviceID.
func (transport *WebSocketTransport) LoginAnonymously(ctx context.Context, deviceID string, suspend bool) error {
	return transport.request(ctx, wire.Frame{
		Type:     wire.TypeAnonymous,
		DeviceID: deviceID,
		Suspend:  suspend,
	})
}

// SetPriority changes the delivery priority of the session.
func (transport *WebSocketTransport) SetPriority(level int) error {
	ctx, cancel := context.WithTimeout(context.Background(), transport.requestTimeout)
	defer cancel()
	return transport.request(ctx, wire.Frame{Type: wire.TypePriority, Priority: level})
}

// Deliver sends item and returns once the server acknowledged it.
func (transport *WebSocketTransport) Deliver(ctx context.Context, item *OutboxItem) error {
	frameType := wire.TypeMessage
	if item.Kind == KindPublish {
		frameType = wire.TypePublish
	}
	return transport.request(ctx, wire.Frame{
		Type:        frameType,
		ID:          item.ID,
		Destination: item.Destination,
		ContentType: item.Payload.ContentType,
		Data:        item.Payload.Data,
		Metadata:    item.Payload.Metadata,
		Receipt:     item.Options.RequestReceipt,
	})
}

// Register sends the device registration.
func (transport *WebSocketTransport) Register(ctx context.Context, registration DeviceRegistration) (Status, error) {
	err := transport.request(ctx, wire.Frame{
		Type: wire.TypeRegister,
		Device: &wire.Device{
			ID:            registration.DeviceID,
			PushType:      registration.PushType,
			PushToken:     registration.PushToken,
			OS:            registration.OS,
			OSVersion:     registration.OSVersion,
			Model:         registration.Model,
			DisplayName:   registration.DisplayName,
			ProtocolMajor: registration.ProtocolMajor,
			ProtocolMinor: registration.ProtocolMinor,
		},
	})
	return statusOf(err), err
}

// Unregister removes the device registration.
func (transport *WebSocketTransport) Unregister(ctx context.Context, deviceID string) (Status, error) {
	err := transport.request(ctx, wire.Frame{Type: wire.TypeUnregister, DeviceID: deviceID})
	return statusOf(err), err
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case IsCode(err, RejectedError):
		return StatusBadRequest
	default:
		return StatusFailed
	}
}

func (transport *WebSocketTransport) request(ctx context.Context, frame wire.Frame) error {
	session := transport.current()
	if session == nil {
		return NewError(NotConnectedError, "no active connection")
	}

	frame.Seq = transport.nextSeq.Add(1)
	reply := make(chan wire.Frame, 1)
	session.lock.Lock()
	session.waiters[frame.Seq] = reply
	session.lock.Unlock()
	defer func() {
		session.lock.Lock()
		delete(session.waiters, frame.Seq)
		session.lock.Unlock()
	}()

	data, err := json.Marshal(frame)
	if err != nil {
		return NewError(ValidationError, "encode frame", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(transport.requestTimeout)
	}
	session.writeLock.Lock()
	_ = session.conn.SetWriteDeadline(deadline)
	err = session.conn.WriteMessage(websocket.TextMessage, data)
	session.writeLock.Unlock()
	if err != nil {
		return NewError(ConnectionError, "write "+frame.Type, err)
	}

	select {
	case answer := <-reply:
		return replyError(answer)
	case <-session.done:
		return NewError(ConnectionError, "connection closed while waiting for "+frame.Type)
	case <-ctx.Done():
		return NewError(TimedOutError, "waiting for "+frame.Type, ctx.Err())
	}
}

func replyError(frame wire.Frame) error {
	if frame.Type == wire.TypeAck {
		return nil
	}
	reason := frame.Reason
	if reason == "" {
		reason = fmt.Sprintf("server error %d", frame.Code)
	}
	switch frame.Code {
	case wire.CodeUnauthorized:
		return NewError(AuthenticationError, reason)
	case wire.CodeBadRequest, wire.CodeForbidden, wire.CodeNotFound:
		return NewError(RejectedError, reason)
	default:
		return NewError(ConnectionError, reason)
	}
}
