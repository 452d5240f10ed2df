package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

const workerQueueGroup = "extractors"

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
}

// Connect dials NATS with reconnect handling shared by the job queue and the
// event publisher.
func Connect(url, name string, options Options) (*nats.Conn, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

func NewQueue(conn *nats.Conn, subject string, executor *resilience.Executor) *Queue {
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: executor,
	}
}

func (q *Queue) PublishExtractionJob(ctx context.Context, job domain.ExtractionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal extraction job: %w", err)
	}
	return publish(ctx, q.conn, q.executor, q.subject, payload)
}

// SubscribeExtractionJobs blocks until ctx is done, then drains the
// subscription so in-flight handlers finish.
func (q *Queue) SubscribeExtractionJobs(ctx context.Context, handler func(context.Context, domain.ExtractionJob) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var job domain.ExtractionJob
		if err := json.Unmarshal(msg.Data, &job); err != nil || job.DocumentID == "" {
			slog.Error("extraction_job_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(logging.WithRequestID(ctx, job.JobID))
		defer cancel()
		if err := handler(handlerCtx, job); err != nil {
			logging.FromContext(handlerCtx).Error("extraction_job_failed",
				"document_id", job.DocumentID,
				"error", err,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func publish(ctx context.Context, conn *nats.Conn, executor *resilience.Executor, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if executor != nil {
		err = executor.Execute(ctx, resilience.OpNATSPublish, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}
