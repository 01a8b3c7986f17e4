// Package queue fans out snapshot-rebuild jobs over NATS JetStream: the
// Head Scanner's hit hook and newly tracked wallets publish "rebuild this
// (chain, wallet)" requests, and a small worker pool consumes them to run
// the actual discovery pipeline asynchronously. Stale-read rebuilds in the
// cache package run in-process and do not go through this queue.
//
// Adapted from the teacher's internal/nats/publisher.go (Publisher) and
// cmd/consumer/main.go (durable JetStream consumer loop), repurposed from
// Polymarket trade-event fan-out to rebuild-job fan-out.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "walletd_rebuild_jobs_total",
	Help: "Rebuild jobs consumed from the queue, by outcome",
}, []string{"outcome"})

const (
	streamName           = "WALLETD_REBUILD"
	streamSubject        = "WALLETD.rebuild"
	streamCreateTimeout  = 10 * time.Second
	duplicateWindow      = 5 * time.Minute
	consumerName         = "walletd-rebuild-workers"
)

// RebuildJob asks the discovery pipeline to (re)build a wallet snapshot.
type RebuildJob struct {
	ChainID int64  `json:"chainId"`
	Wallet  string `json:"wallet"`
	Refresh bool   `json:"refresh"`
}

func (j RebuildJob) msgID() string {
	// Dedup within the duplicate window: repeated head-scanner hits or
	// add-wallet calls for the same key collapse to one queued job instead
	// of stacking up redundant rebuilds.
	return fmt.Sprintf("%d-%s-%d", j.ChainID, j.Wallet, time.Now().Truncate(duplicateWindow).Unix())
}

// Queue publishes and consumes RebuildJobs over a JetStream stream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// New connects to NATS and creates/updates the rebuild stream.
func New(ctx context.Context, natsURL string, logger zerolog.Logger) (*Queue, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("walletd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	createCtx, cancel := context.WithTimeout(ctx, streamCreateTimeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(createCtx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubject},
		MaxAge:     24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info().Str("stream", streamName).Msg("rebuild queue initialized")
	return &Queue{nc: nc, js: js, logger: logger.With().Str("component", "queue.Queue").Logger()}, nil
}

// Enqueue publishes a rebuild request, deduplicated per §4.7's single-
// flight intent: many callers for the same key within the duplicate
// window collapse to one queued message.
func (q *Queue) Enqueue(ctx context.Context, job RebuildJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal rebuild job: %w", err)
	}

	_, err = q.js.Publish(ctx, streamSubject, data, jetstream.WithMsgID(job.msgID()))
	if err != nil {
		return fmt.Errorf("failed to publish rebuild job: %w", err)
	}
	q.logger.Debug().Int64("chain_id", job.ChainID).Str("wallet", job.Wallet).Msg("rebuild job enqueued")
	return nil
}

// Consume starts a durable pull consumer invoking handle for every job, each
// in its own goroutine, with at most workers handlers running at once.
// Returns a stop function.
func (q *Queue) Consume(ctx context.Context, workers int, handle func(context.Context, RebuildJob) error) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       2 * time.Minute,
		FilterSubject: streamSubject,
		MaxAckPending: workers * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rebuild consumer: %w", err)
	}

	sem := make(chan struct{}, workers)
	consCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()

			var job RebuildJob
			if err := json.Unmarshal(msg.Data(), &job); err != nil {
				q.logger.Error().Err(err).Msg("failed to unmarshal rebuild job")
				jobsProcessed.WithLabelValues("malformed").Inc()
				msg.Term()
				return
			}

			if err := handle(ctx, job); err != nil {
				q.logger.Error().Err(err).Int64("chain_id", job.ChainID).Str("wallet", job.Wallet).Msg("rebuild job failed")
				jobsProcessed.WithLabelValues("failure").Inc()
				msg.Nak()
				return
			}
			jobsProcessed.WithLabelValues("success").Inc()
			msg.Ack()
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming rebuild jobs: %w", err)
	}

	return consCtx.Stop, nil
}

// Healthy reports whether the NATS connection is up.
func (q *Queue) Healthy() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Close closes the NATS connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}
