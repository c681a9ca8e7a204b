package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/nats-io/nats.go"
)

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	return b, nil
}

func TestRunJob(t *testing.T) {
	svc, store, _ := newTestService(t)
	blobs := &fakeBlobs{data: map[string][]byte{
		"uploads/sales.csv": []byte("id,value\n1,10\n2,20\n"),
	}}

	job := Job{ID: "job-1", Owner: "acme", Filename: "sales.csv", Key: "uploads/sales.csv"}
	rec, err := runJob(context.Background(), svc, blobs, job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if rec.ChunkCount != 2 {
		t.Fatalf("receipt chunks = %d, want 2", rec.ChunkCount)
	}

	docs, err := store.ListDocuments(context.Background(), "acme")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 1 || docs[0].ChunkCount != 2 {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestRunJob_MissingBlob(t *testing.T) {
	svc, store, _ := newTestService(t)
	blobs := &fakeBlobs{data: map[string][]byte{}}

	_, err := runJob(context.Background(), svc, blobs, Job{Owner: "acme", Key: "gone"})
	if err == nil {
		t.Fatal("expected error for missing blob")
	}
	assertEmptyStore(t, store)
}

func TestRunJob_PropagatesPipelineErrors(t *testing.T) {
	svc, _, _ := newTestService(t)
	blobs := &fakeBlobs{data: map[string][]byte{"k": []byte("id\n")}}

	_, err := runJob(context.Background(), svc, blobs, Job{Owner: "acme", Filename: "empty.csv", Key: "k"})
	if !errors.Is(err, domain.ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
}

func TestRetryCount(t *testing.T) {
	msg := nats.NewMsg(JobsSubject)
	if got := retryCount(msg); got != 0 {
		t.Errorf("no header: got %d", got)
	}

	msg.Header = nats.Header{}
	msg.Header.Set(retryHeader, "2")
	if got := retryCount(msg); got != 2 {
		t.Errorf("header 2: got %d", got)
	}

	msg.Header.Set(retryHeader, "junk")
	if got := retryCount(msg); got != 0 {
		t.Errorf("junk header: got %d", got)
	}
}
