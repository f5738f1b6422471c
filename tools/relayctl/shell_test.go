package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Thejuampi/relay-client-go/relay"
	"github.com/Thejuampi/relay-client-go/relay/fakeserver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	lock   sync.Mutex
	buffer bytes.Buffer
}

func (buffer *syncBuffer) Write(data []byte) (int, error) {
	buffer.lock.Lock()
	defer buffer.lock.Unlock()
	return buffer.buffer.Write(data)
}

func (buffer *syncBuffer) String() string {
	buffer.lock.Lock()
	defer buffer.lock.Unlock()
	return buffer.buffer.String()
}

func newTestShell(t *testing.T) (*Shell, *fakeserver.Server, *syncBuffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	server := fakeserver.New(logger)
	server.AddUser("alice", "pw")
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	t.Cleanup(server.Close)

	settings := relay.DefaultSettings()
	settings.Name = "ctl"
	settings.URI = "ws" + strings.TrimPrefix(httpServer.URL, "http")
	settings.Security = relay.SecurityNone
	settings.DataDir = t.TempDir()
	settings.StaticSecret = "s3cret"
	settings.SyncOnWrite = false

	registry, err := newRegistry(settings, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	client, err := registry.Client(settings.Name)
	require.NoError(t, err)

	out := &syncBuffer{}
	return newShell(client, out), server, out
}

func TestShellSessionCommands(t *testing.T) {
	shell, server, out := newTestShell(t)
	ctx := context.Background()

	assert.False(t, shell.execute(ctx, "send bob hello there"))
	assert.Contains(t, out.String(), "queued ")
	assert.False(t, shell.execute(ctx, "pending"))
	assert.Contains(t, out.String(), "message -> bob")

	assert.False(t, shell.execute(ctx, "connect alice pw"))
	require.NoError(t, shell.client.Flush(5*time.Second))
	require.Len(t, server.Deliveries(), 1)
	assert.Equal(t, []byte("hello there"), server.Deliveries()[0].Data)
	id := server.Deliveries()[0].ID

	shell.execute(ctx, "status "+id)
	assert.Contains(t, out.String(), id+" HANDED_OFF")
	shell.execute(ctx, "suspend")
	shell.execute(ctx, "resume")
	assert.Len(t, server.Priorities(), 2)
	shell.execute(ctx, "info")
	assert.Contains(t, out.String(), "alice")

	shell.execute(ctx, "goanon")
	require.Eventually(t, func() bool { return shell.client.ConnectionInfo().Anonymous() }, 5*time.Second, 10*time.Millisecond)
	shell.execute(ctx, "disconnect deactivate")
	assert.Equal(t, relay.StateDisconnected, shell.client.State())
	assert.True(t, shell.execute(ctx, "quit"))
}

func TestShellReportsErrors(t *testing.T) {
	shell, _, out := newTestShell(t)
	ctx := context.Background()

	shell.execute(ctx, "")
	shell.execute(ctx, "bogus")
	assert.Contains(t, out.String(), `unknown command "bogus"`)
	shell.execute(ctx, "send onlydest")
	assert.Contains(t, out.String(), "usage: send")
	shell.execute(ctx, "suspend")
	assert.Contains(t, out.String(), "no active connection")
	shell.execute(ctx, "connect bad@name pw")
	assert.Contains(t, out.String(), "invalid character")
	shell.execute(ctx, "push maybe")
	assert.Contains(t, out.String(), "usage: push")
	shell.execute(ctx, "cancel nothing")
	assert.Contains(t, out.String(), "nothing is not cancellable")
	shell.execute(ctx, "pending")
	assert.Contains(t, out.String(), "outbox empty")
}

func TestConnectionOptionsFlags(t *testing.T) {
	options := connectionOptions([]string{"autocreate", "suspend", "ignored"})
	assert.Equal(t, &relay.ConnectionOptions{AutoCreate: true, SuspendDelivery: true}, options)
}
