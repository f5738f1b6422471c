package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thejuampi/relay-client-go/relay/fakeserver"
	"github.com/Thejuampi/relay-client-go/relay/internal/wire"
)

func startFakeServer(t *testing.T) (*fakeserver.Server, string) {
	t.Helper()
	server := fakeserver.New(quietLogger())
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func wsSettings(t *testing.T, uri string) Settings {
	settings := testSettings(t)
	settings.URI = uri
	settings.Security = SecurityNone
	return settings
}

func newWSClient(t *testing.T, settings Settings) (*Client, *WebSocketTransport) {
	t.Helper()
	transport, err := NewWebSocketTransport(settings, quietLogger())
	require.NoError(t, err)
	client := newTestClient(t, settings, Dependencies{
		Transport:  transport,
		PushTokens: fakePushProvider{token: "push-1", version: 1},
	})
	return client, transport
}

func TestNewWebSocketTransportChecksURI(t *testing.T) {
	settings := testSettings(t)
	settings.URI = "ws://localhost:1"
	_, err := NewWebSocketTransport(settings, nil)
	assert.True(t, IsCode(err, ValidationError))

	settings.URI = "http://localhost:1"
	settings.Security = SecurityNone
	_, err = NewWebSocketTransport(settings, nil)
	assert.True(t, IsCode(err, ValidationError))

	settings.URI = "wss://localhost:1"
	settings.Security = SecurityRelaxed
	transport, err := NewWebSocketTransport(settings, nil)
	require.NoError(t, err)
	assert.True(t, transport.dialer.TLSClientConfig.InsecureSkipVerify)
	assert.False(t, transport.IsConnected())
	assert.NotEmpty(t, transport.GenID())
	assert.True(t, IsCode(transport.SetPriority(PriorityAvailable), NotConnectedError))
	assert.NoError(t, transport.Disconnect())
}

func TestReplyErrorMapping(t *testing.T) {
	assert.NoError(t, replyError(wire.Ack(1)))
	assert.True(t, IsCode(replyError(wire.Error(1, wire.CodeUnauthorized, "")), AuthenticationError))
	assert.True(t, IsCode(replyError(wire.Error(1, wire.CodeBadRequest, "bad")), RejectedError))
	assert.True(t, IsCode(replyError(wire.Error(1, wire.CodeForbidden, "no")), RejectedError))
	assert.True(t, IsCode(replyError(wire.Error(1, wire.CodeNotFound, "gone")), RejectedError))
	assert.True(t, IsCode(replyError(wire.Error(1, wire.CodeServerError, "")), ConnectionError))
	assert.Equal(t, StatusBadRequest, statusOf(NewError(RejectedError)))
	assert.Equal(t, StatusFailed, statusOf(NewError(ConnectionError)))
}

func TestWebSocketClientEndToEnd(t *testing.T) {
	server, uri := startFakeServer(t)
	client, transport := newWSClient(t, wsSettings(t, uri))
	rec := newRecorder()

	queued, err := client.Send([]string{"bob"}, textPayload("queued"), SendOptions{})
	require.NoError(t, err)
	completion, err := client.ConnectAnonymous(rec, nil)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, completion))
	assert.True(t, transport.IsConnected())

	published, err := client.Publish("news", textPayload("fresh"))
	require.NoError(t, err)
	require.NoError(t, client.Flush(waitTimeout))

	deliveries := server.Deliveries()
	require.Len(t, deliveries, 2)
	assert.Equal(t, queued, deliveries[0].ID)
	assert.Equal(t, wire.TypeMessage, deliveries[0].Type)
	assert.Equal(t, []byte("queued"), deliveries[0].Data)
	assert.Equal(t, published, deliveries[1].ID)
	assert.Equal(t, wire.TypePublish, deliveries[1].Type)

	registrations := server.Registrations()
	require.Len(t, registrations, 1)
	assert.Equal(t, client.DeviceID(), registrations[0].Device.ID)
	assert.Equal(t, "push-1", registrations[0].Device.PushToken)

	require.NoError(t, client.SuspendDelivery())
	require.NoError(t, client.ResumeDelivery())
	require.Len(t, server.Priorities(), 2)
	assert.Equal(t, PriorityNotAvailable, server.Priorities()[0].Priority)

	require.NoError(t, waitCompletion(t, client.Disconnect(true)))
	assert.Equal(t, []string{client.DeviceID()}, server.Unregistered())
	assert.False(t, transport.IsConnected())
}

func TestWebSocketClientAuthenticationFailure(t *testing.T) {
	server, uri := startFakeServer(t)
	server.AddUser("alice", "right")
	client, _ := newWSClient(t, wsSettings(t, uri))
	rec := newRecorder()

	completion, err := client.ConnectWithCredentials("alice", []byte("wrong"), rec, nil)
	require.NoError(t, err)
	assert.True(t, IsCode(waitCompletion(t, completion), AuthenticationError))
	rec.waitFor(t, EventAuthenticationFailure, 1)

	completion, err = client.ConnectWithCredentials("alice", []byte("right"), rec, nil)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, completion))
	assert.Equal(t, 1, server.Logins())
}

func TestWebSocketClientRejectedDestination(t *testing.T) {
	server, uri := startFakeServer(t)
	server.RejectDestination("blocked")
	client, _ := newWSClient(t, wsSettings(t, uri))
	rec := newRecorder()

	rejected, err := client.Send([]string{"blocked"}, textPayload("no"), SendOptions{})
	require.NoError(t, err)
	completion, err := client.ConnectAnonymous(rec, nil)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, completion))
	require.NoError(t, client.Flush(waitTimeout))

	assert.Empty(t, server.Deliveries())
	assert.Equal(t, StatusRejected, client.MessageStatus(rejected))
}

func TestWebSocketClientReconnectsAfterDrop(t *testing.T) {
	server, uri := startFakeServer(t)
	client, transport := newWSClient(t, wsSettings(t, uri))
	rec := newRecorder()

	completion, err := client.ConnectAnonymous(rec, nil)
	require.NoError(t, err)
	require.NoError(t, waitCompletion(t, completion))

	server.DropConnections()
	rec.waitFor(t, EventReconnecting, 1)
	rec.waitFor(t, EventConnected, 2)
	assert.True(t, transport.IsConnected())

	id, err := client.Send([]string{"bob"}, textPayload("after"), SendOptions{})
	require.NoError(t, err)
	require.NoError(t, client.Flush(waitTimeout))
	deliveries := server.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].ID)
	assert.Equal(t, 2, server.Logins())
}

func TestWebSocketTransportRequestTimesOut(t *testing.T) {
	_, uri := startFakeServer(t)
	transport, err := NewWebSocketTransport(wsSettings(t, uri), quietLogger())
	require.NoError(t, err)
	require.NoError(t, transport.Connect(context.Background(), nil))
	defer func() { _ = transport.Disconnect() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = transport.LoginAnonymously(ctx, "device", false)
	assert.True(t, IsCode(err, TimedOutError) || err == nil)
}
