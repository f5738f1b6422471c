package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// minDrainRetryDelay bounds how often a stalled drain is retried while the
// session stays ready.
const minDrainRetryDelay = 100 * time.Millisecond

// Send queues payload for destination and returns the item id. The item is
// on disk before Send returns; it is handed to the transport as soon as the
// session is ready, in enqueue order.
func (client *Client) Send(destination []string, payload Payload, options SendOptions) (string, error) {
	return client.enqueue(KindMessage, destination, payload, options)
}

// Publish queues payload for topic.
func (client *Client) Publish(topic string, payload Payload) (string, error) {
	return client.enqueue(KindPublish, []string{topic}, payload, SendOptions{})
}

func (client *Client) enqueue(kind ItemKind, destination []string, payload Payload, options SendOptions) (string, error) {
	client.lock.Lock()
	closed := client.closed
	client.lock.Unlock()
	if closed {
		return "", NewError(ClosedError, "client is closed")
	}

	item := &OutboxItem{
		ID:          client.newID(),
		Kind:        kind,
		Destination: destination,
		Payload:     payload,
		Options:     options,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := client.outbox.AddItem(item); err != nil {
		return "", err
	}
	client.logger.WithFields(logrus.Fields{
		"function": "Client.enqueue",
		"id":       item.ID,
		"kind":     kind.String(),
	}).Debug("item queued")

	if client.Ready() {
		client.scheduleDrain()
	}
	return item.ID, nil
}

func (client *Client) newID() string {
	if id := client.transport.GenID(); id != "" {
		return id
	}
	return uuid.NewString()
}

// scheduleDrain submits one drain task; requests made while a drain is
// waiting to run are folded into it.
func (client *Client) scheduleDrain() {
	if !client.drainScheduled.CompareAndSwap(false, true) {
		return
	}
	err := client.worker.Submit(func() {
		client.drainScheduled.Store(false)
		client.drainOutbox()
	})
	if err != nil {
		client.drainScheduled.Store(false)
	}
}

// drainOutbox runs on the worker and replays the outbox while the session
// stays ready.
func (client *Client) drainOutbox() {
	if !client.Ready() {
		return
	}
	client.lock.Lock()
	epoch := client.epoch
	client.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handoff := func(ctx context.Context, item *OutboxItem) error {
		if !client.current(epoch) || !client.Ready() {
			return NewError(NotConnectedError, "session is no longer ready")
		}
		return client.handoff(ctx, item)
	}

	delivered, err := client.outbox.ReplayPending(ctx, handoff, client.handoffFailed)
	fields := logrus.Fields{
		"function":  "Client.drainOutbox",
		"delivered": delivered,
	}
	if err != nil {
		fields["error"] = err.Error()
		client.logger.WithFields(fields).Warn("replay stopped")
		if client.current(epoch) && client.Ready() && !IsCode(err, NotConnectedError) {
			time.AfterFunc(client.drainRetryDelay(), client.scheduleDrain)
		}
		return
	}
	client.logger.WithFields(fields).Debug("replay finished")
}

func (client *Client) drainRetryDelay() time.Duration {
	if client.settings.ReconnectDelay < minDrainRetryDelay {
		return minDrainRetryDelay
	}
	return client.settings.ReconnectDelay
}

func (client *Client) handoff(ctx context.Context, item *OutboxItem) error {
	ctx, cancel := context.WithTimeout(ctx, client.settings.DeliveryTimeout)
	defer cancel()
	if err := client.transport.Deliver(ctx, item); err != nil {
		return err
	}
	client.history.record(item.ID, StatusHandedOff)
	return nil
}

func (client *Client) handoffFailed(id string, err error) {
	if IsCode(err, RejectedError) {
		client.history.record(id, StatusRejected)
	}
	client.logger.WithFields(logrus.Fields{
		"function": "Client.handoffFailed",
		"id":       id,
		"error":    err.Error(),
	}).Warn("item skipped")
	client.bus.publishFailure(client, id, err)
}

// Cancel removes a queued item. It returns false when the item is unknown,
// already handed off or being handed off right now.
func (client *Client) Cancel(id string) bool {
	removed, err := client.outbox.Cancel(id)
	if err != nil {
		client.logger.WithFields(logrus.Fields{
			"function": "Client.Cancel",
			"id":       id,
			"error":    err.Error(),
		}).Warn("cancel failed")
	}
	if removed {
		client.history.record(id, StatusCancelled)
	}
	return removed
}

// PendingItems returns queued items of kind keyed by id, without payload data.
func (client *Client) PendingItems(kind ItemKind) map[string]*OutboxItem {
	items := client.outbox.PendingItems(kind, true)
	pending := make(map[string]*OutboxItem, len(items))
	for _, item := range items {
		pending[item.ID] = item
	}
	return pending
}

// PendingIDs returns queued item ids in enqueue order.
func (client *Client) PendingIDs() []string {
	items := client.outbox.PendingItems(KindAny, true)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

// MessageStatus reports what this process knows about id.
func (client *Client) MessageStatus(id string) MessageStatus {
	if client.outbox.Contains(id) {
		return StatusPending
	}
	return client.history.lookup(id)
}

// Flush waits until the outbox is empty or timeout elapses.
func (client *Client) Flush(timeout time.Duration) error {
	return client.outbox.Flush(timeout)
}
