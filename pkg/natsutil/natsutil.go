// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader carries the number of delivery attempts already made.
const RetryHeader = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Connect dials url and keeps reconnecting for the life of the process.
// Connection state changes are logged.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsutil: connect %s: %w", url, err)
	}
	return nc, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishHeader(ctx, nc, subject, v, nil)
}

// PublishHeader is Publish with extra headers. hdr is copied, not retained.
func PublishHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, hdr nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, vals := range hdr {
		for _, val := range vals {
			msg.Header.Add(k, val)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsutil: publish %s: %w", subject, err)
	}
	return nil
}

// Handler receives a decoded message, the context carrying its trace and
// the raw headers.
type Handler[T any] func(ctx context.Context, v T, hdr nats.Header)

// QueueSubscribe registers a handler that deserializes JSON messages of
// type T, joined to a queue group so that each message goes to one member.
// An empty queue subscribes without a group. Trace context is extracted
// from the message headers. onMalformed, when set, is told about messages
// that fail to decode; otherwise they are dropped.
func QueueSubscribe[T any](nc *nats.Conn, subject, queue string, handler Handler[T], onMalformed func(*nats.Msg, error)) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onMalformed != nil {
				onMalformed(msg, err)
			}
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v, msg.Header)
	}
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = nc.Subscribe(subject, cb)
	} else {
		sub, err = nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("natsutil: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// RetryCount reads RetryHeader. Missing or garbled values count as zero.
func RetryCount(hdr nats.Header) int {
	if hdr == nil {
		return 0
	}
	n, err := strconv.Atoi(hdr.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRetryCount returns a header holding n attempts.
func WithRetryCount(n int) nats.Header {
	hdr := nats.Header{}
	hdr.Set(RetryHeader, strconv.Itoa(n))
	return hdr
}
