package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/echomind/echomind-qa/engine/qa"
	"github.com/echomind/echomind-qa/pkg/natsutil"
)

const (
	// Subject is the NATS subject ingest requests arrive on.
	Subject = "qa.ingest"
	// DLQSubject is the dead letter queue subject for failed batches and requests.
	DLQSubject = "qa.ingest.dlq"
	// QueueGroup spreads requests across ingest workers.
	QueueGroup = "qa-ingest-workers"
)

// NATSDeadLetters publishes dead letters to a subject.
type NATSDeadLetters struct {
	Conn    *nats.Conn
	Subject string
}

// Send implements DeadLetterSink.
func (d NATSDeadLetters) Send(ctx context.Context, dl DeadLetter) error {
	return natsutil.Publish(ctx, d.Conn, d.Subject, dl)
}

// Open returns the document a request points at.
func (r Request) Open() (io.ReadCloser, string, error) {
	switch {
	case len(r.Data) > 0:
		return io.NopCloser(bytes.NewReader(r.Data)), "inline", nil
	case r.FilePath != "":
		f, err := os.Open(r.FilePath)
		if err != nil {
			return nil, r.FilePath, fmt.Errorf("ingest: open %s: %w", r.FilePath, err)
		}
		return f, r.FilePath, nil
	default:
		return nil, "", errNoDocument
	}
}

// Handle loads and runs a single request.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Report, error) {
	rc, source, err := req.Open()
	if err != nil {
		return Report{Source: source}, err
	}
	defer rc.Close()

	job, err := p.Load(rc, source)
	if err != nil {
		return Report{Source: source}, err
	}
	job.Reset = req.Reset
	return p.Run(ctx, job)
}

var errNoDocument = errors.New("ingest: request has neither file_path nor data")

// permanent reports errors a redelivery cannot fix.
func permanent(err error) bool {
	var syntax *json.SyntaxError
	return errors.As(err, &syntax) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, qa.ErrMalformedDocument) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, errNoDocument)
}

// StartConsumer subscribes the pipeline to subject. A request whose run
// fails outright is republished with an incremented retry header until
// MaxRetries, then sent to dlqSubject. Permanent failures skip the retries.
func StartConsumer(nc *nats.Conn, p *Pipeline, subject, dlqSubject string) (*nats.Subscription, error) {
	log := p.log
	dlq := NATSDeadLetters{Conn: nc, Subject: dlqSubject}

	return natsutil.QueueSubscribe(nc, subject, QueueGroup, func(ctx context.Context, req Request, hdr nats.Header) {
		retries := natsutil.RetryCount(hdr)

		report, err := p.Handle(ctx, req)
		if err == nil {
			log.Info("ingest: request done", "source", report.Source, "uploaded", report.Uploaded, "failed_batches", len(report.Failed))
			return
		}

		retries++
		log.Error("ingest: request failed", "source", report.Source, "err", err, "retry", retries)

		if retries >= MaxRetries || permanent(err) {
			dl := DeadLetter{Kind: DeadRequest, Source: report.Source, Request: &req, Retries: retries, Error: err.Error()}
			if err := dlq.Send(ctx, dl); err != nil {
				log.Error("ingest: DLQ publish failed", "err", err)
				return
			}
			p.met.DeadLetters.Inc()
			return
		}
		if err := natsutil.PublishHeader(ctx, nc, subject, req, natsutil.WithRetryCount(retries)); err != nil {
			log.Error("ingest: retry publish failed", "err", err)
		}
	}, func(msg *nats.Msg, err error) {
		log.Error("ingest: malformed request dropped", "subject", msg.Subject, "err", err)
	})
}
