package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	redis "github.com/redis/go-redis/v9"

	"metamorph/internal/cache"
	"metamorph/internal/conv"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func guardedQueue(t *testing.T) (*Guarded, *Memory, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	backend := NewMemory()
	guarded := NewGuarded(GuardedConfig{Backend: backend, Redis: client, Logger: silentLogger()})
	return guarded, backend, srv
}

func TestEnqueueSingleFlight(t *testing.T) {
	guarded, backend, srv := guardedQueue(t)
	job := conv.Job{Hash: "abc", URL: "https://e.com/a.jpg"}

	const concurrency = 8
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guarded.Enqueue(context.Background(), job); err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := backend.Len(); got != 1 {
		t.Fatalf("expected exactly one queued message, got %d", got)
	}
	key := cache.InFlightKey("abc", conv.UASTC, conv.MP4, 0)
	if !srv.Exists(key) {
		t.Fatalf("in-flight marker missing")
	}
	if ttl := srv.TTL(key); ttl <= 0 || ttl > InFlightTTL {
		t.Fatalf("in-flight marker TTL = %v", ttl)
	}
}

func TestEnqueueDistinctFormatsBothQueue(t *testing.T) {
	guarded, backend, _ := guardedQueue(t)
	ctx := context.Background()

	first := conv.Job{Hash: "abc", URL: "https://e.com/a.jpg", ImageFormat: conv.UASTC, VideoFormat: conv.MP4}
	second := conv.Job{Hash: "abc", URL: "https://e.com/a.jpg", ImageFormat: conv.ASTC, VideoFormat: conv.OGV}
	if err := guarded.Enqueue(ctx, first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := guarded.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if got := backend.Len(); got != 2 {
		t.Fatalf("distinct formats should both enqueue, got %d messages", got)
	}
}

func TestEnqueueAfterMarkerExpiry(t *testing.T) {
	guarded, backend, srv := guardedQueue(t)
	ctx := context.Background()
	job := conv.Job{Hash: "abc", URL: "https://e.com/a.jpg"}

	if err := guarded.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := guarded.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if got := backend.Len(); got != 1 {
		t.Fatalf("duplicate enqueue produced %d messages", got)
	}

	srv.FastForward(InFlightTTL + time.Second)
	if err := guarded.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue after expiry: %v", err)
	}
	if got := backend.Len(); got != 2 {
		t.Fatalf("expired marker should allow re-enqueue, got %d messages", got)
	}
}

func TestMemoryQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	backend := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan conv.Job, 1)
	go func() {
		job, err := backend.Dequeue(ctx)
		if err != nil {
			return
		}
		done <- job
	}()

	time.Sleep(20 * time.Millisecond)
	if err := backend.Enqueue(ctx, conv.Job{Hash: "xyz"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case job := <-done:
		if job.Hash != "xyz" {
			t.Fatalf("dequeued %q", job.Hash)
		}
	case <-ctx.Done():
		t.Fatalf("dequeue did not observe the enqueue")
	}
}

func TestMemoryQueueDequeueHonoursCancellation(t *testing.T) {
	backend := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := backend.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakeSQS struct {
	mu       sync.Mutex
	messages []types.Message
	sent     []string
	deleted  []string
	receives int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	f.messages = append(f.messages, types.Message{
		Body:          in.MessageBody,
		ReceiptHandle: aws.String("rh-" + aws.ToString(in.MessageBody)),
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{msg}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSRoundTrip(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQS(fake, "https://sqs.example/queue", silentLogger())
	ctx := context.Background()

	want := conv.Job{Hash: "abc", URL: "https://e.com/a.jpg", ImageFormat: conv.ASTC, VideoFormat: conv.OGV}
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal([]byte(fake.sent[0]), &wire); err != nil {
		t.Fatalf("decode wire payload: %v", err)
	}
	if wire["Hash"] != "abc" || wire["URL"] != "https://e.com/a.jpg" {
		t.Fatalf("wire payload = %v", wire)
	}
	if wire["ImageFormat"] != float64(1) || wire["VideoFormat"] != float64(1) {
		t.Fatalf("enum ints = %v / %v", wire["ImageFormat"], wire["VideoFormat"])
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got != want {
		t.Fatalf("Dequeue = %+v, want %+v", got, want)
	}
	if len(fake.deleted) != 1 {
		t.Fatalf("message was not deleted, deletions=%v", fake.deleted)
	}
}

func TestSQSMalformedMessageIsDeleted(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{{
		Body:          aws.String("{not json"),
		ReceiptHandle: aws.String("rh-bad"),
	}}}
	q := NewSQS(fake, "https://sqs.example/queue", silentLogger())

	_, err := q.Dequeue(context.Background())
	if !errors.Is(err, conv.ErrMalformedJob) {
		t.Fatalf("expected ErrMalformedJob, got %v", err)
	}
	if len(fake.deleted) != 1 {
		t.Fatalf("poison pill must be deleted before returning")
	}
}

func TestSQSEmptyReceiveLoops(t *testing.T) {
	fake := &fakeSQS{}
	q := NewSQS(fake, "https://sqs.example/queue", silentLogger())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fake.receives == 0 {
		t.Fatalf("expected at least one receive attempt")
	}
}
