package relay

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay/internal/dispatch"
)

// Listener receives connection events and send failures for a Client.
type Listener interface {
	ConnectionEvent(client *Client, event ConnectionEvent)
	SendFailed(client *Client, id string, err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnEvent      func(client *Client, event ConnectionEvent)
	OnSendFailed func(client *Client, id string, err error)
}

// ConnectionEvent calls OnEvent when set.
func (funcs ListenerFuncs) ConnectionEvent(client *Client, event ConnectionEvent) {
	if funcs.OnEvent != nil {
		funcs.OnEvent(client, event)
	}
}

// SendFailed calls OnSendFailed when set.
func (funcs ListenerFuncs) SendFailed(client *Client, id string, err error) {
	if funcs.OnSendFailed != nil {
		funcs.OnSendFailed(client, id, err)
	}
}

type subscription struct {
	id       uint64
	listener Listener
}

// EventBus fans events out to one primary listener followed by auxiliary
// subscribers in subscription order. Callbacks run on the bus goroutine, never
// on the caller's, and in emission order.
type EventBus struct {
	lock        sync.Mutex
	primary     Listener
	subscribers []subscription
	nextID      uint64
	queue       *dispatch.Queue
	logger      logrus.FieldLogger
}

func newEventBus(logger logrus.FieldLogger) *EventBus {
	bus := &EventBus{logger: logger}
	bus.queue = dispatch.New(func(recovered any) {
		bus.logger.WithFields(logrus.Fields{
			"function": "EventBus.dispatch",
			"panic":    fmt.Sprint(recovered),
		}).Error("event delivery panicked")
	})
	return bus
}

// SetPrimary replaces the primary listener.
func (bus *EventBus) SetPrimary(listener Listener) {
	bus.lock.Lock()
	bus.primary = listener
	bus.lock.Unlock()
}

// Primary returns the primary listener.
func (bus *EventBus) Primary() Listener {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	return bus.primary
}

// Subscribe adds an auxiliary listener. The returned function removes it and
// is safe to call more than once.
func (bus *EventBus) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}
	bus.lock.Lock()
	bus.nextID++
	id := bus.nextID
	bus.subscribers = append(bus.subscribers, subscription{id: id, listener: listener})
	bus.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.lock.Lock()
			defer bus.lock.Unlock()
			for index, entry := range bus.subscribers {
				if entry.id == id {
					bus.subscribers = append(bus.subscribers[:index:index], bus.subscribers[index+1:]...)
					return
				}
			}
		})
	}
}

func (bus *EventBus) listeners() []Listener {
	bus.lock.Lock()
	defer bus.lock.Unlock()
	listeners := make([]Listener, 0, len(bus.subscribers)+1)
	if bus.primary != nil {
		listeners = append(listeners, bus.primary)
	}
	for _, entry := range bus.subscribers {
		listeners = append(listeners, entry.listener)
	}
	return listeners
}

func (bus *EventBus) publishEvent(client *Client, event ConnectionEvent) {
	bus.post(func(listener Listener) { listener.ConnectionEvent(client, event) })
}

func (bus *EventBus) publishFailure(client *Client, id string, err error) {
	bus.post(func(listener Listener) { listener.SendFailed(client, id, err) })
}

func (bus *EventBus) post(deliver func(Listener)) {
	err := bus.queue.Submit(func() {
		for _, listener := range bus.listeners() {
			bus.deliver(listener, deliver)
		}
	})
	if err != nil {
		bus.logger.WithFields(logrus.Fields{
			"function": "EventBus.post",
			"error":    err.Error(),
		}).Debug("event dropped")
	}
}

// deliver isolates one listener so a panic does not skip the rest.
func (bus *EventBus) deliver(listener Listener, deliver func(Listener)) {
	defer func() {
		if recovered := recover(); recovered != nil {
			bus.logger.WithFields(logrus.Fields{
				"function": "EventBus.deliver",
				"panic":    fmt.Sprint(recovered),
			}).Error("listener panicked")
		}
	}()
	deliver(listener)
}

// close delivers already posted events and stops the bus goroutine.
func (bus *EventBus) close() {
	bus.queue.Stop()
}
