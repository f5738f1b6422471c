// Package fakeserver is an in-process relay server for tests and local
// tooling. It speaks the frames in package wire and records what clients do.
package fakeserver

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/wire"
)

// Delivery is one message or publish frame the server accepted.
type Delivery struct {
	Session     string
	Type        string
	ID          string
	Destination []string
	ContentType string
	Data        []byte
	Metadata    map[string]string
}

// Registration is one device registration the server accepted.
type Registration struct {
	Session string
	Device  wire.Device
}

// PriorityChange records a priority frame.
type PriorityChange struct {
	Session  string
	Priority int
}

// Server is an http.Handler that upgrades requests to relay sessions.
type Server struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger

	lock                sync.Mutex
	users               map[string]string
	allowAnonymous      bool
	rejectAuth          bool
	rejectRegistration  bool
	rejectedDestination map[string]struct{}
	conns               map[string]*websocket.Conn
	deliveries          []Delivery
	registrations       []Registration
	unregistered        []string
	priorities          []PriorityChange
	logins              int
	wg                  sync.WaitGroup
}

// New returns a server accepting anonymous logins and no named users.
func New(logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		upgrader:            websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:              logger,
		users:               make(map[string]string),
		allowAnonymous:      true,
		rejectedDestination: make(map[string]struct{}),
		conns:               make(map[string]*websocket.Conn),
	}
}

// AddUser lets username log in with credential.
func (server *Server) AddUser(username, credential string) {
	server.lock.Lock()
	server.users[username] = credential
	server.lock.Unlock()
}

// SetAllowAnonymous toggles anonymous logins.
func (server *Server) SetAllowAnonymous(allow bool) {
	server.lock.Lock()
	server.allowAnonymous = allow
	server.lock.Unlock()
}

// SetRejectAuth makes every login fail with 401.
func (server *Server) SetRejectAuth(reject bool) {
	server.lock.Lock()
	server.rejectAuth = reject
	server.lock.Unlock()
}

// SetRejectRegistration makes device registration fail with 400.
func (server *Server) SetRejectRegistration(reject bool) {
	server.lock.Lock()
	server.rejectRegistration = reject
	server.lock.Unlock()
}

// RejectDestination makes deliveries to destination fail with 403.
func (server *Server) RejectDestination(destination string) {
	server.lock.Lock()
	server.rejectedDestination[destination] = struct{}{}
	server.lock.Unlock()
}

// DropConnections closes every open session without a close handshake.
func (server *Server) DropConnections() {
	server.lock.Lock()
	conns := make([]*websocket.Conn, 0, len(server.conns))
	for _, conn := range server.conns {
		conns = append(conns, conn)
	}
	server.lock.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Close drops every session and waits for their handlers to return.
func (server *Server) Close() {
	server.DropConnections()
	server.wg.Wait()
}

// Deliveries returns accepted deliveries in arrival order.
func (server *Server) Deliveries() []Delivery {
	server.lock.Lock()
	defer server.lock.Unlock()
	return append([]Delivery(nil), server.deliveries...)
}

// Registrations returns accepted device registrations.
func (server *Server) Registrations() []Registration {
	server.lock.Lock()
	defer server.lock.Unlock()
	return append([]Registration(nil), server.registrations...)
}

// Unregistered returns device ids that unregistered.
func (server *Server) Unregistered() []string {
	server.lock.Lock()
	defer server.lock.Unlock()
	return append([]string(nil), server.unregistered...)
}

// Priorities returns priority changes in arrival order.
func (server *Server) Priorities() []PriorityChange {
	server.lock.Lock()
	defer server.lock.Unlock()
	return append([]PriorityChange(nil), server.priorities...)
}

// Logins counts successful logins.
func (server *Server) Logins() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return server.logins
}

// Sessions counts open sessions.
func (server *Server) Sessions() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return len(server.conns)
}

// ServeHTTP upgrades the request and serves frames until the peer leaves.
func (server *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	server.wg.Add(1)
	defer server.wg.Done()

	conn, err := server.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		server.logger.WithFields(logrus.Fields{
			"function": "Server.ServeHTTP",
			"error":    err.Error(),
		}).Warn("upgrade failed")
		return
	}

	id := uuid.NewString()
	server.lock.Lock()
	server.conns[id] = conn
	server.lock.Unlock()
	defer func() {
		server.lock.Lock()
		delete(server.conns, id)
		server.lock.Unlock()
		_ = conn.Close()
	}()

	state := &session{id: id}
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		reply := server.handle(state, frame)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

type session struct {
	id            string
	authenticated bool
}

func (server *Server) handle(state *session, frame wire.Frame) wire.Frame {
	server.lock.Lock()
	defer server.lock.Unlock()

	switch frame.Type {
	case wire.TypeAuth:
		expected, known := server.users[frame.Username]
		if server.rejectAuth || !known || expected != string(frame.Credential) {
			return wire.Error(frame.Seq, wire.CodeUnauthorized, "not authorized")
		}
		state.authenticated = true
		server.logins++
		return wire.Ack(frame.Seq)
	case wire.TypeAnonymous:
		if server.rejectAuth || !server.allowAnonymous {
			return wire.Error(frame.Seq, wire.CodeUnauthorized, "anonymous login disabled")
		}
		state.authenticated = true
		server.logins++
		return wire.Ack(frame.Seq)
	}

	if !state.authenticated {
		return wire.Error(frame.Seq, wire.CodeUnauthorized, "not logged in")
	}

	switch frame.Type {
	case wire.TypeMessage, wire.TypePublish:
		for _, destination := range frame.Destination {
			if _, rejected := server.rejectedDestination[destination]; rejected {
				return wire.Error(frame.Seq, wire.CodeForbidden, "destination rejected")
			}
		}
		server.deliveries = append(server.deliveries, Delivery{
			Session:     state.id,
			Type:        frame.Type,
			ID:          frame.ID,
			Destination: frame.Destination,
			ContentType: frame.ContentType,
			Data:        frame.Data,
			Metadata:    frame.Metadata,
		})
		return wire.Ack(frame.Seq)
	case wire.TypeRegister:
		if server.rejectRegistration || frame.Device == nil || frame.Device.ID == "" {
			return wire.Error(frame.Seq, wire.CodeBadRequest, "registration rejected")
		}
		server.registrations = append(server.registrations, Registration{Session: state.id, Device: *frame.Device})
		return wire.Ack(frame.Seq)
	case wire.TypeUnregister:
		server.unregistered = append(server.unregistered, frame.DeviceID)
		return wire.Ack(frame.Seq)
	case wire.TypePriority:
		server.priorities = append(server.priorities, PriorityChange{Session: state.id, Priority: frame.Priority})
		return wire.Ack(frame.Seq)
	default:
		return wire.Error(frame.Seq, wire.CodeBadRequest, "unknown frame type "+frame.Type)
	}
}
