// Package relay is a client for relay servers with at-least-once delivery of
// outbound messages.
//
// The primary lifecycle is:
//   - build a Client with NewClient, or obtain a named one from a Registry
//   - ConnectWithCredentials or ConnectAnonymous with a Listener
//   - Send or Publish items; they are queued even while offline
//   - Disconnect, optionally deactivating the device, or Close when finished
//
// Every item is written to an encrypted outbox before Send returns. Once the
// session is connected, authenticated and the device registered, queued items
// are handed to the Transport in enqueue order and removed only after the
// server acknowledged them. A crash between hand-off and removal may deliver
// an item twice, never zero times.
//
// Lifecycle work runs on one internal worker, so calls may be made from any
// goroutine. Listener callbacks run on a separate event goroutine in emission
// order and must not block for long.
//
// Errors are typed *Error values created with NewError and matched with
// errors.Is against the Err sentinels or with IsCode.
package relay
