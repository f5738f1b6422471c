package relay

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minUsernameLength    = 1
	maxUsernameLength    = 40
	invalidUsernameChars = "%/&@"

	protocolMajor = 1
	protocolMinor = 0
)

var errConnectCancelled = NewError(DisconnectedError, "connect cancelled by disconnect")

func validateUsername(username string) error {
	length := len([]rune(username))
	if length < minUsernameLength || length > maxUsernameLength {
		return NewError(ValidationError, "username must be 1 to 40 characters")
	}
	if strings.ContainsAny(username, invalidUsernameChars) {
		return NewError(ValidationError, "username contains an invalid character")
	}
	return nil
}

// transportEvents adapts a Client to TransportListener.
type transportEvents struct {
	client *Client
}

func (events transportEvents) OnConnectionLost(err error) {
	client := events.client
	client.lock.Lock()
	epoch := client.epoch
	client.lock.Unlock()
	if submitErr := client.worker.Submit(func() { client.handleConnectionLost(epoch, err) }); submitErr != nil {
		client.logger.WithField("function", "transportEvents.OnConnectionLost").Debug("connection lost after close")
	}
}

// ConnectWithCredentials starts a session for username. Validation problems
// are returned synchronously and leave no trace; everything else is reported
// to listener. The completion resolves when the connect attempt finishes.
func (client *Client) ConnectWithCredentials(username string, credential []byte, listener Listener, options *ConnectionOptions) (*Completion, error) {
	if listener == nil {
		return nil, NewError(ValidationError, "listener is required")
	}
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if len(credential) == 0 {
		return nil, NewError(ValidationError, "credential is required")
	}
	request := connectRequest{
		username:   username,
		credential: append([]byte(nil), credential...),
	}
	if options != nil {
		request.options = *options
	}
	return client.connect(listener, request)
}

// ConnectAnonymous starts an anonymous session. Anonymous accounts are always
// created on demand, so AutoCreate is forced on. Calling it again while an
// anonymous session with the same options is connected or connecting returns
// the existing completion.
func (client *Client) ConnectAnonymous(listener Listener, options *ConnectionOptions) (*Completion, error) {
	if listener == nil {
		return nil, NewError(ValidationError, "listener is required")
	}
	request := connectRequest{anonymous: true}
	if options != nil {
		request.options = *options
	}
	request.options.AutoCreate = true
	return client.connect(listener, request)
}

func (client *Client) connect(listener Listener, request connectRequest) (*Completion, error) {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.closed {
		return nil, NewError(ClosedError, "client is closed")
	}
	if client.request != nil && client.connectCompletion != nil && request.sameAnonymousSession(*client.request) {
		if client.sessionPendingLocked() {
			client.bus.SetPrimary(listener)
			return client.connectCompletion, nil
		}
	}

	err := client.prefs.update(func(values *sessionPreferences) {
		values.AuthMode = request.authMode()
		values.PushToken = ""
		values.PushTokenVersion = 0
		values.PushEnabled = true
	})
	if err != nil {
		return nil, err
	}

	client.bus.SetPrimary(listener)
	stored := request
	client.request = &stored
	client.info = nil
	client.epoch++
	client.stopReconnectLocked()
	epoch := client.epoch
	completion := newCompletion()
	client.connectCompletion = completion

	if err := client.worker.Submit(func() { _ = client.teardown(false) }); err != nil {
		completion.complete(NewError(ClosedError, "client is closed", err))
		return completion, nil
	}
	if err := client.worker.Submit(func() { client.runConnect(epoch, stored, completion) }); err != nil {
		completion.complete(NewError(ClosedError, "client is closed", err))
	}
	return completion, nil
}

// sessionPendingLocked reports whether the current connect is still running
// or produced a session that is still alive.
func (client *Client) sessionPendingLocked() bool {
	select {
	case <-client.connectCompletion.Done():
		if client.connectCompletion.Err() != nil {
			return false
		}
		return client.state == StateConnected || client.state == StateReconnecting
	default:
		return true
	}
}

// Disconnect ends the session. With deactivate the device is unregistered,
// persisted session state cleared and the outbox purged; otherwise queued
// items and credentials survive. Pending connect work submitted before the
// call is abandoned. A request made while another disconnect is in flight
// shares its completion unless it adds deactivation.
func (client *Client) Disconnect(deactivate bool) *Completion {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.closed {
		return completedWith(NewError(ClosedError, "client is closed"))
	}
	client.epoch++
	client.stopReconnectLocked()
	client.connectCompletion = nil

	if client.disconnectCompletion != nil && (client.disconnectDeactivates || !deactivate) {
		return client.disconnectCompletion
	}

	completion := newCompletion()
	client.disconnectCompletion = completion
	client.disconnectDeactivates = deactivate
	err := client.worker.Submit(func() {
		result := client.teardown(deactivate)
		client.lock.Lock()
		if client.disconnectCompletion == completion {
			client.disconnectCompletion = nil
			client.disconnectDeactivates = false
		}
		client.lock.Unlock()
		completion.complete(result)
	})
	if err != nil {
		client.disconnectCompletion = nil
		completion.complete(NewError(ClosedError, "client is closed", err))
	}
	return completion
}

// GoAnonymous switches a named session to an anonymous one: a deactivating
// disconnect followed by ConnectAnonymous with the previous listener.
func (client *Client) GoAnonymous(ctx context.Context) error {
	client.lock.Lock()
	request := client.request
	state := client.state
	client.lock.Unlock()

	if request == nil {
		return NewError(PreconditionError, "connect must be called before going anonymous")
	}
	listener := client.bus.Primary()
	if listener == nil {
		return NewError(PreconditionError, "no listener registered")
	}
	if request.anonymous && (state == StateConnected || state == StateReconnecting) {
		return nil
	}
	if !request.anonymous {
		if err := client.Disconnect(true).Wait(ctx); err != nil {
			return err
		}
	}
	options := ConnectionOptions{SuspendDelivery: request.options.SuspendDelivery}
	_, err := client.ConnectAnonymous(listener, &options)
	return err
}

// SuspendDelivery asks the server to hold deliveries to this session.
func (client *Client) SuspendDelivery() error {
	return client.setPriority(PriorityNotAvailable)
}

// ResumeDelivery undoes SuspendDelivery.
func (client *Client) ResumeDelivery() error {
	return client.setPriority(PriorityAvailable)
}

func (client *Client) setPriority(level int) error {
	if !client.transport.IsConnected() {
		return NewError(NotConnectedError, "no active connection")
	}
	return client.transport.SetPriority(level)
}

func (client *Client) runConnect(epoch uint64, request connectRequest, completion *Completion) {
	if !client.current(epoch) {
		completion.complete(errConnectCancelled)
		return
	}
	event, err := client.openSession(epoch, request, false)
	if err != nil {
		client.setState(StateDisconnected)
		if !errors.Is(err, errConnectCancelled) && client.current(epoch) {
			client.logger.WithFields(logrus.Fields{
				"function": "Client.runConnect",
				"event":    event.String(),
				"error":    err.Error(),
			}).Error("connect failed")
			client.bus.publishEvent(client, event)
		}
		completion.complete(err)
		return
	}
	client.sessionReady()
	completion.complete(nil)
}

// openSession connects, authenticates and registers the device. On failure
// the transport is torn down and the event to report is returned.
func (client *Client) openSession(epoch uint64, request connectRequest, reconnecting bool) (ConnectionEvent, error) {
	if !reconnecting {
		client.setState(StateConnecting)
	}
	ctx, cancel := context.WithTimeout(context.Background(), client.settings.ConnectTimeout)
	err := client.transport.Connect(ctx, transportEvents{client: client})
	cancel()
	if err != nil {
		return EventConnectionFailed, NewError(ConnectionError, "connect", err)
	}
	if !client.current(epoch) {
		client.closeTransport()
		return 0, errConnectCancelled
	}

	if !reconnecting {
		client.setState(StateAuthenticating)
	}
	ctx, cancel = context.WithTimeout(context.Background(), client.settings.ConnectTimeout)
	if request.anonymous {
		err = client.transport.LoginAnonymously(ctx, client.deviceID, request.options.SuspendDelivery)
	} else {
		mode := request.authMode()
		if request.options.SuspendDelivery {
			mode |= AuthModeNoDelivery
		}
		err = client.transport.Authenticate(ctx, request.username, request.credential, client.deviceID, mode)
	}
	cancel()
	if err != nil {
		client.closeTransport()
		if IsCode(err, AuthenticationError) {
			return EventAuthenticationFailure, err
		}
		return EventConnectionFailed, NewError(ConnectionError, "authenticate", err)
	}
	if !client.current(epoch) {
		client.closeTransport()
		return 0, errConnectCancelled
	}

	if !reconnecting {
		client.setState(StateConnected)
	}
	if event, err := client.registerDevice(); err != nil {
		client.closeTransport()
		return event, err
	}
	if !client.current(epoch) {
		client.closeTransport()
		return 0, errConnectCancelled
	}
	return 0, nil
}

// sessionReady marks the session usable, fires CONNECTED and drains the outbox.
func (client *Client) sessionReady() {
	client.lock.Lock()
	client.state = StateConnected
	client.ready = true
	client.reconnectAttempt = 0
	client.lock.Unlock()
	client.strategy.Reset()

	client.logger.WithField("function", "Client.sessionReady").Debug("session ready")
	client.bus.publishEvent(client, EventConnected)
	client.drainOutbox()
}

// registerDevice refreshes the push token when needed and registers the
// device. A rejected registration maps to AUTHENTICATION_FAILURE.
func (client *Client) registerDevice() (ConnectionEvent, error) {
	if client.registrar == nil {
		return 0, nil
	}

	prefs := client.prefs.get()
	token := ""
	pushType := ""
	if prefs.PushEnabled && client.pushTokens != nil {
		current, err := client.pushTokens.CurrentToken()
		if err != nil {
			client.logger.WithFields(logrus.Fields{
				"function": "Client.registerDevice",
				"error":    err.Error(),
			}).Warn("push token unavailable")
			client.bus.publishEvent(client, EventPushRegistrationFailed)
		} else {
			token = current
			pushType = client.pushTokens.PushType()
			version := client.pushTokens.TokenVersion()
			if token != prefs.PushToken || version != prefs.PushTokenVersion {
				err := client.prefs.update(func(values *sessionPreferences) {
					values.PushToken = token
					values.PushTokenVersion = version
				})
				if err != nil {
					return EventConnectionFailed, err
				}
				client.invalidateInfo()
			}
		}
	}

	registration := DeviceRegistration{
		DeviceID:      client.deviceID,
		PushType:      pushType,
		PushToken:     token,
		OS:            runtime.GOOS,
		OSVersion:     runtime.Version(),
		Model:         runtime.GOARCH,
		DisplayName:   client.settings.DeviceName,
		ProtocolMajor: protocolMajor,
		ProtocolMinor: protocolMinor,
	}
	ctx, cancel := context.WithTimeout(context.Background(), client.settings.ConnectTimeout)
	defer cancel()
	status, err := client.registrar.Register(ctx, registration)
	switch {
	case err == nil && status == StatusOK:
		return 0, nil
	case status == StatusBadRequest || IsCode(err, RejectedError):
		return EventAuthenticationFailure, NewError(AuthenticationError, "device registration rejected", err)
	default:
		return EventConnectionFailed, NewError(ConnectionError, "device registration failed: "+status.String(), err)
	}
}

func (client *Client) closeTransport() {
	if err := client.transport.Disconnect(); err != nil {
		client.logger.WithFields(logrus.Fields{
			"function": "Client.closeTransport",
			"error":    err.Error(),
		}).Debug("transport disconnect failed")
	}
}

// teardown runs on the worker. It fires DISCONNECTED when a session was active.
func (client *Client) teardown(deactivate bool) error {
	client.lock.Lock()
	wasActive := client.state != StateDisconnected
	client.lock.Unlock()
	connected := client.transport.IsConnected()

	var result error
	if connected {
		client.setState(StateDisconnecting)
		if deactivate && client.registrar != nil {
			ctx, cancel := context.WithTimeout(context.Background(), client.settings.ConnectTimeout)
			if _, err := client.registrar.Unregister(ctx, client.deviceID); err != nil {
				client.logger.WithFields(logrus.Fields{
					"function": "Client.teardown",
					"error":    err.Error(),
				}).Warn("device unregistration failed")
			}
			cancel()
		}
	}

	if deactivate {
		if err := client.prefs.clear(); err != nil {
			result = err
		}
		if err := client.outbox.Purge(); err != nil && result == nil {
			result = err
		}
		client.lock.Lock()
		if client.request != nil {
			wipe(client.request.credential)
			client.request.credential = nil
			client.request.username = ""
		}
		client.info = nil
		client.lock.Unlock()
	}

	if connected {
		client.closeTransport()
	}
	client.setState(StateDisconnected)
	if wasActive || connected {
		client.bus.publishEvent(client, EventDisconnected)
	}
	return result
}

func (client *Client) handleConnectionLost(epoch uint64, cause error) {
	if !client.current(epoch) {
		return
	}
	client.lock.Lock()
	if client.state != StateConnected {
		client.lock.Unlock()
		return
	}
	client.ready = false
	client.lock.Unlock()

	fields := logrus.Fields{"function": "Client.handleConnectionLost"}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	client.logger.WithFields(fields).Warn("connection lost")

	if client.settings.ReconnectAttempts == 0 {
		client.setState(StateDisconnected)
		client.bus.publishEvent(client, EventDisconnected)
		return
	}
	client.setState(StateReconnecting)
	client.strategy.Reset()
	client.bus.publishEvent(client, EventReconnecting)
	client.scheduleReconnect(epoch)
}

func (client *Client) scheduleReconnect(epoch uint64) {
	delay := client.strategy.NextDelay()
	client.lock.Lock()
	defer client.lock.Unlock()
	if client.epoch != epoch || client.closed {
		return
	}
	client.reconnectTimer = time.AfterFunc(delay, func() {
		_ = client.worker.Submit(func() { client.runReconnect(epoch) })
	})
}

func (client *Client) runReconnect(epoch uint64) {
	client.lock.Lock()
	if client.epoch != epoch || client.closed || client.state != StateReconnecting || client.request == nil {
		client.lock.Unlock()
		return
	}
	client.reconnectTimer = nil
	client.reconnectAttempt++
	attempt := client.reconnectAttempt
	request := *client.request
	client.lock.Unlock()

	event, err := client.openSession(epoch, request, true)
	if err == nil {
		client.sessionReady()
		return
	}
	if errors.Is(err, errConnectCancelled) || !client.current(epoch) {
		return
	}

	fields := logrus.Fields{
		"function": "Client.runReconnect",
		"attempt":  attempt,
		"error":    err.Error(),
	}
	if event == EventAuthenticationFailure {
		client.logger.WithFields(fields).Error("reconnect authentication failed")
		client.setState(StateDisconnected)
		client.bus.publishEvent(client, EventAuthenticationFailure)
		return
	}
	limit := client.settings.ReconnectAttempts
	if limit > 0 && attempt >= limit {
		client.logger.WithFields(fields).Error("reconnect attempts exhausted")
		client.setState(StateDisconnected)
		client.bus.publishEvent(client, EventConnectionFailed)
		return
	}
	client.logger.WithFields(fields).Debug("reconnect attempt failed")
	client.setState(StateReconnecting)
	client.scheduleReconnect(epoch)
}
