package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// JobsSubject carries queued ingestion jobs.
	JobsSubject = "datasage.ingest.jobs"
	// DLQSubject receives jobs that exhausted their retries.
	DLQSubject = "datasage.ingest.dlq"
	// WorkersQueue is the queue group workers join so each job is
	// delivered to exactly one of them.
	WorkersQueue = "ingest-workers"
	// MaxRetries before a job lands in the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
	jobTimeout  = 5 * time.Minute
)

// Job is one queued ingestion request. Upload bytes live in the blob
// store under Key; the queue only moves references.
type Job struct {
	// ID identifies the job to the caller that enqueued it.
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Filename       string `json:"filename"`
	DeclaredFormat string `json:"declared_format,omitempty"`
	Key            string `json:"key"`
}

// BlobGetter fetches uploaded bytes by key.
type BlobGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Enqueue publishes a job for asynchronous ingestion. The caller's trace
// context rides along in the message headers.
func Enqueue(ctx context.Context, nc *nats.Conn, job Job) error {
	return natsutil.Publish(ctx, nc, JobsSubject, job)
}

// dlqMessage is published when a job is given up on.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// StartConsumer subscribes to the job subject and runs each job through
// the pipeline. Failed jobs are re-published with an incremented retry
// header; input errors never heal on retry, so they go straight to the
// DLQ, as do jobs that exhausted MaxRetries.
func StartConsumer(nc *nats.Conn, svc *Service, blobs BlobGetter, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return nc.QueueSubscribe(JobsSubject, WorkersQueue, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			log.Error("ingest job: unmarshal failed", "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(natsutil.Extract(context.Background(), msg), jobTimeout)
		defer cancel()

		rec, err := runJob(ctx, svc, blobs, job)
		if err == nil {
			log.Info("ingest job done",
				"job", job.ID,
				"document", rec.DocumentID,
				"chunks", rec.ChunkCount,
			)
			ack(msg)
			return
		}

		retries := retryCount(msg) + 1
		log.Error("ingest job failed",
			"job", job.ID,
			"key", job.Key,
			"owner", job.Owner,
			"retry", retries,
			"error", err,
		)

		if domain.IsInputError(err) || retries >= MaxRetries {
			publishDLQ(ctx, nc, log, job, err, retries)
		} else {
			requeue(nc, log, msg, retries)
		}
		ack(msg)
	})
}

func runJob(ctx context.Context, svc *Service, blobs BlobGetter, job Job) (Receipt, error) {
	data, err := blobs.Get(ctx, job.Key)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch upload %s: %w", job.Key, err)
	}
	return svc.Ingest(ctx, Request{
		Owner:          job.Owner,
		Filename:       job.Filename,
		DeclaredFormat: job.DeclaredFormat,
		Data:           data,
		BlobKey:        job.Key,
	})
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(retryHeader))
	if err != nil {
		return 0
	}
	return n
}

// requeue republishes the job with its original headers, so the trace
// parent survives retries, plus an incremented retry count.
func requeue(nc *nats.Conn, log *slog.Logger, msg *nats.Msg, retries int) {
	retry := nats.NewMsg(JobsSubject)
	retry.Data = msg.Data
	retry.Header = nats.Header{}
	for k, vs := range msg.Header {
		for _, v := range vs {
			retry.Header.Add(k, v)
		}
	}
	retry.Header.Set(retryHeader, strconv.Itoa(retries))
	if err := nc.PublishMsg(retry); err != nil {
		log.Error("ingest job: retry publish failed", "error", err)
	}
}

func publishDLQ(ctx context.Context, nc *nats.Conn, log *slog.Logger, job Job, jobErr error, retries int) {
	msg := dlqMessage{Job: job, Error: jobErr.Error(), Retries: retries}
	if err := natsutil.Publish(ctx, nc, DLQSubject, msg); err != nil {
		log.Error("ingest job: DLQ publish failed", "error", err)
	}
}

// ack acknowledges JetStream deliveries; plain subscriptions have no reply.
func ack(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}
