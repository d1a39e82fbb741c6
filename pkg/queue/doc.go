// Package queue implements a buffered publisher that absorbs transport
// backpressure without losing or reordering messages.
//
// A PublishChannel wraps one transport.Channel. Push serialises the payload,
// declares the destination and offers the message to the transport. When
// the transport rejects it, the message is appended to a FIFO buffer owned
// by the channel and the channel enters the buffering state. From then on
// every Push is appended behind the buffered messages so nothing can
// overtake them.
//
// States
//   - Idle: buffer empty, no flush active. Pushes go straight to the transport.
//   - Buffering: buffer non-empty, waiting for the transport's drain signal.
//   - Flushing: resending from the buffer head.
//
// Run is the single flush task. Each drain signal received while buffering
// starts one flush loop: the head is resent and removed on acceptance; the
// loop ends when the buffer is empty (back to idle) or when a resend is
// rejected (back to buffering, head kept in place). A resend that fails
// with an error also keeps the head; since the transport signals drain only
// after a rejection, the next Push wakes Run for one more flush instead.
// There is no polling and no timer; an idle channel costs nothing.
//
// Delivered means accepted by the local transport buffer, not confirmed by
// the broker. Buffered messages are not persisted and are discarded when the
// channel is closed.
package queue
