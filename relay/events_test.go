package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	lock    sync.Mutex
	entries []string
}

func (log *eventLog) add(entry string) {
	log.lock.Lock()
	log.entries = append(log.entries, entry)
	log.lock.Unlock()
}

func (log *eventLog) snapshot() []string {
	log.lock.Lock()
	defer log.lock.Unlock()
	return append([]string(nil), log.entries...)
}

func namedListener(log *eventLog, name string) Listener {
	return ListenerFuncs{
		OnEvent: func(_ *Client, event ConnectionEvent) { log.add(name + ":" + event.String()) },
		OnSendFailed: func(_ *Client, id string, _ error) {
			log.add(name + ":failed:" + id)
		},
	}
}

func TestEventBusDeliversPrimaryThenSubscribersInOrder(t *testing.T) {
	bus := newEventBus(quietLogger())
	log := &eventLog{}
	bus.SetPrimary(namedListener(log, "primary"))
	bus.Subscribe(namedListener(log, "aux1"))
	bus.Subscribe(namedListener(log, "aux2"))

	bus.publishEvent(nil, EventConnected)
	bus.publishFailure(nil, "m1", errors.New("boom"))
	bus.close()

	assert.Equal(t, []string{
		"primary:CONNECTED", "aux1:CONNECTED", "aux2:CONNECTED",
		"primary:failed:m1", "aux1:failed:m1", "aux2:failed:m1",
	}, log.snapshot())
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := newEventBus(quietLogger())
	log := &eventLog{}
	unsubscribe := bus.Subscribe(namedListener(log, "aux"))
	bus.Subscribe(namedListener(log, "other"))
	unsubscribe()
	unsubscribe()
	bus.Subscribe(nil)()

	bus.publishEvent(nil, EventDisconnected)
	bus.close()
	assert.Equal(t, []string{"other:DISCONNECTED"}, log.snapshot())
}

func TestEventBusIsolatesPanickingListener(t *testing.T) {
	bus := newEventBus(quietLogger())
	log := &eventLog{}
	bus.SetPrimary(ListenerFuncs{OnEvent: func(*Client, ConnectionEvent) { panic("listener bug") }})
	bus.Subscribe(namedListener(log, "aux"))

	bus.publishEvent(nil, EventReconnecting)
	bus.close()
	assert.Equal(t, []string{"aux:RECONNECTING"}, log.snapshot())

	bus.publishEvent(nil, EventConnected)
	assert.Equal(t, []string{"aux:RECONNECTING"}, log.snapshot())
}

func TestEventBusPrimaryReplacement(t *testing.T) {
	bus := newEventBus(quietLogger())
	defer bus.close()
	first := ListenerFuncs{}
	bus.SetPrimary(first)
	require.NotNil(t, bus.Primary())
	bus.SetPrimary(nil)
	assert.Nil(t, bus.Primary())

	ListenerFuncs{}.ConnectionEvent(nil, EventConnected)
	ListenerFuncs{}.SendFailed(nil, "x", nil)
}
