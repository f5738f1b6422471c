package fakeserver

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Thejuampi/relay-client-go/relay/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	server := New(logger)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	t.Cleanup(server.Close)

	uri := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, response, err := websocket.DefaultDialer.Dial(uri, nil)
	require.NoError(t, err)
	_ = response.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return server, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame wire.Frame) wire.Frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
	var reply wire.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, frame.Seq, reply.Seq)
	return reply
}

func TestNamedLogin(t *testing.T) {
	server, conn := startServer(t)
	server.AddUser("alice", "pw")

	reply := roundTrip(t, conn, wire.Frame{Type: wire.TypeAuth, Seq: 1, Username: "alice", Credential: []byte("wrong")})
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, wire.CodeUnauthorized, reply.Code)

	reply = roundTrip(t, conn, wire.Frame{Type: wire.TypeAuth, Seq: 2, Username: "alice", Credential: []byte("pw")})
	assert.Equal(t, wire.TypeAck, reply.Type)
	assert.Equal(t, 1, server.Logins())
}

func TestRequestsBeforeLoginAreRefused(t *testing.T) {
	_, conn := startServer(t)
	reply := roundTrip(t, conn, wire.Frame{Type: wire.TypeMessage, Seq: 1, ID: "m1", Destination: []string{"bob"}})
	assert.Equal(t, wire.CodeUnauthorized, reply.Code)
}

func TestDeliveriesAndRejectedDestination(t *testing.T) {
	server, conn := startServer(t)
	server.RejectDestination("blocked")

	roundTrip(t, conn, wire.Frame{Type: wire.TypeAnonymous, Seq: 1, DeviceID: "d1"})
	reply := roundTrip(t, conn, wire.Frame{Type: wire.TypeMessage, Seq: 2, ID: "m1", Destination: []string{"bob"}, Data: []byte("hi")})
	assert.Equal(t, wire.TypeAck, reply.Type)
	reply = roundTrip(t, conn, wire.Frame{Type: wire.TypePublish, Seq: 3, ID: "p1", Destination: []string{"blocked"}})
	assert.Equal(t, wire.CodeForbidden, reply.Code)

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "m1", deliveries[0].ID)
	assert.Equal(t, []byte("hi"), deliveries[0].Data)
}

func TestRegistrationAndPriority(t *testing.T) {
	server, conn := startServer(t)
	roundTrip(t, conn, wire.Frame{Type: wire.TypeAnonymous, Seq: 1, DeviceID: "d1"})

	reply := roundTrip(t, conn, wire.Frame{Type: wire.TypeRegister, Seq: 2, Device: &wire.Device{ID: "d1", ProtocolMajor: 1}})
	assert.Equal(t, wire.TypeAck, reply.Type)
	roundTrip(t, conn, wire.Frame{Type: wire.TypePriority, Seq: 3, Priority: -1})
	roundTrip(t, conn, wire.Frame{Type: wire.TypeUnregister, Seq: 4, DeviceID: "d1"})

	server.SetRejectRegistration(true)
	reply = roundTrip(t, conn, wire.Frame{Type: wire.TypeRegister, Seq: 5, Device: &wire.Device{ID: "d1"}})
	assert.Equal(t, wire.CodeBadRequest, reply.Code)

	require.Len(t, server.Registrations(), 1)
	assert.Equal(t, "d1", server.Registrations()[0].Device.ID)
	assert.Equal(t, []PriorityChange{{Session: server.Registrations()[0].Session, Priority: -1}}, server.Priorities())
	assert.Equal(t, []string{"d1"}, server.Unregistered())
}

func TestDropConnections(t *testing.T) {
	server, conn := startServer(t)
	roundTrip(t, conn, wire.Frame{Type: wire.TypeAnonymous, Seq: 1})

	server.DropConnections()
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
