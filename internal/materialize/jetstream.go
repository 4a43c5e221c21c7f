package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/types"
)

const (
	DefaultStream  = "TURNLOG_MATERIALIZE"
	subjectPrefix  = "turnlog.materialize."
	consumerName   = "turnlog-materializer"
	maxDeliver     = 5
	defaultAckWait = 30 * time.Second
)

// JetStreamQueue publishes jobs to a JetStream stream and applies them from a
// durable consumer. The event id is the message id, so a republished job
// inside the stream's duplicate window is dropped by the server.
type JetStreamQueue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	worker *Worker
	cc     jetstream.ConsumeContext
}

func NewJetStreamQueue(ctx context.Context, natsURL, stream string, worker *Worker) (*JetStreamQueue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	q := &JetStreamQueue{nc: nc, js: js, stream: stream, worker: worker}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStreamQueue) ensureStream(ctx context.Context) error {
	if _, err := q.js.Stream(ctx, q.stream); err == nil {
		return nil
	}
	_, err := q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       q.stream,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", q.stream, err)
	}
	slog.Info("created stream", "name", q.stream)
	return nil
}

// Enqueue publishes job and waits for the stream's acknowledgement.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job *types.MaterializationJob) (string, error) {
	if job.JobID == "" {
		job.JobID = types.NewJobID()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	subject := subjectPrefix + string(job.SessionID)
	if _, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID(job))); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return string(job.JobID), nil
}

// msgID is the stream's deduplication key. Live jobs dedupe on the event id;
// a replayed job must not collide with the earlier publish still inside the
// duplicate window.
func msgID(job *types.MaterializationJob) string {
	if job.Replay {
		return string(job.EventID) + ":" + string(job.JobID)
	}
	return string(job.EventID)
}

// Start binds the durable consumer and begins applying jobs.
func (q *JetStreamQueue) Start(ctx context.Context) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       defaultAckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	q.cc = cc
	slog.Info("materializer subscribed", "stream", q.stream, "consumer", consumerName)
	return nil
}

func (q *JetStreamQueue) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var job types.MaterializationJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.Warn("malformed materialization job, dropping", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}

	if err := q.worker.Apply(ctx, &job); err != nil {
		class := persist.Classify(err)
		slog.Error("materialization failed",
			"event_id", string(job.EventID),
			"category", class.Category,
			"retryable", class.Retryable,
			"error", err,
		)
		if class.Retryable {
			_ = msg.NakWithDelay(class.Delay)
		} else {
			// The entry stays unprocessed; replay picks it up.
			_ = msg.Term()
		}
		return
	}

	if err := msg.Ack(); err != nil {
		slog.Warn("failed to ack job", "event_id", string(job.EventID), "error", err)
	}
}

// Close stops consuming and drains the connection.
func (q *JetStreamQueue) Close() {
	if q.cc != nil {
		q.cc.Stop()
	}
	q.nc.Drain()
}
