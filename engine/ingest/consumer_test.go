package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/echomind/echomind-qa/pkg/natsutil"
)

const testDoc = `[{"分類":"報名","問題":"如何報名？","解答":"線上填表即可。"}]`

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := natsutil.Connect(srv.ClientURL(), "ingest-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func nextDeadLetter(t *testing.T, sub *nats.Subscription) DeadLetter {
	t.Helper()
	msg, err := sub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("no dead letter: %v", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(msg.Data, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	return dl
}

func TestConsumerIngestsRequest(t *testing.T) {
	nc := startTestNATS(t)
	store := &fakeStore{}
	p := newTestPipeline(&fakeEmbedder{dim: 2}, store, Options{})

	if _, err := StartConsumer(nc, p, Subject, DLQSubject); err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	if err := natsutil.Publish(context.Background(), nc, Subject, Request{Data: json.RawMessage(testDoc)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool {
		n, _ := store.Count(context.Background())
		return n == 1
	})
}

func TestConsumerPermanentFailureGoesToDLQ(t *testing.T) {
	nc := startTestNATS(t)
	p := newTestPipeline(&fakeEmbedder{dim: 2}, &fakeStore{}, Options{})

	dlq, err := nc.SubscribeSync(DLQSubject)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := StartConsumer(nc, p, Subject, DLQSubject); err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	_ = nc.Flush()

	if err := natsutil.Publish(context.Background(), nc, Subject, Request{Data: json.RawMessage(`42`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	dl := nextDeadLetter(t, dlq)
	if dl.Kind != DeadRequest || dl.Retries != 1 || dl.Request == nil || string(dl.Request.Data) != "42" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	nc := startTestNATS(t)
	store := &fakeStore{ensureErr: errors.New("qdrant unavailable")}
	p := newTestPipeline(&fakeEmbedder{dim: 2}, store, Options{})

	dlq, err := nc.SubscribeSync(DLQSubject)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := StartConsumer(nc, p, Subject, DLQSubject); err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	_ = nc.Flush()

	if err := natsutil.Publish(context.Background(), nc, Subject, Request{Data: json.RawMessage(testDoc)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	dl := nextDeadLetter(t, dlq)
	if dl.Kind != DeadRequest || dl.Retries != MaxRetries {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.ensured != MaxRetries {
		t.Fatalf("expected %d attempts, got %d", MaxRetries, store.ensured)
	}
}

func TestConsumerStartsAtHeaderRetryCount(t *testing.T) {
	nc := startTestNATS(t)
	p := newTestPipeline(&fakeEmbedder{dim: 2}, &fakeStore{ensureErr: errors.New("down")}, Options{})

	dlq, err := nc.SubscribeSync(DLQSubject)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := StartConsumer(nc, p, Subject, DLQSubject); err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	_ = nc.Flush()

	req := Request{Data: json.RawMessage(testDoc)}
	if err := natsutil.PublishHeader(context.Background(), nc, Subject, req, natsutil.WithRetryCount(MaxRetries-1)); err != nil {
		t.Fatalf("PublishHeader: %v", err)
	}

	if dl := nextDeadLetter(t, dlq); dl.Retries != MaxRetries {
		t.Fatalf("retries = %d, want %d", dl.Retries, MaxRetries)
	}
}

func TestPermanent(t *testing.T) {
	var syntax error = &json.SyntaxError{}
	cases := []struct {
		err  error
		want bool
	}{
		{syntax, true},
		{errNoDocument, true},
		{errors.New("connection refused"), false},
		{&BatchError{Err: errors.New("x")}, false},
	}
	for _, tc := range cases {
		if got := permanent(tc.err); got != tc.want {
			t.Errorf("permanent(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
