package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/loader"
)

type declared struct {
	name string
	args amqp091.Table
}

type fakeDeclarer struct {
	exchanges []string
	queues    []declared
	failOn    string
}

func (f *fakeDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	if name == f.failOn {
		return amqp091.Queue{}, errors.New("channel closed")
	}
	f.queues = append(f.queues, declared{name: name, args: args})
	return amqp091.Queue{Name: name}, nil
}

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail string
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if key == f.fail {
		return errors.New("publish failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakePublisher) to(key string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type fakeAcker struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}
func (a *fakeAcker) Reject(tag uint64, requeue bool) error { a.nacks++; return nil }

type fakeIngester struct {
	err   error
	files []loader.GraphFile
	metas []common.SourceMetadata
}

func (f *fakeIngester) IngestFile(ctx context.Context, file loader.GraphFile, meta common.SourceMetadata) (common.IngestionStats, error) {
	f.files = append(f.files, file)
	f.metas = append(f.metas, meta)
	if f.err != nil {
		return common.IngestionStats{}, f.err
	}
	return common.IngestionStats{ChunksProcessed: 2, EntitiesExtracted: 3, RelationshipsExtracted: 1}, nil
}

type nopLoader struct{}

func (nopLoader) GetFileText(ctx context.Context, file loader.GraphFile) ([]byte, error) {
	return []byte("x"), nil
}

func delivery(t *testing.T, body string, headers amqp091.Table) (amqp091.Delivery, *fakeAcker) {
	t.Helper()
	acker := &fakeAcker{}
	return amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(body), Headers: headers}, acker
}

func newTestHandler(ing Ingester, pub Publisher) *Handler {
	return NewHandler(NewHandlerParams{
		Ingester:  ing,
		Local:     nopLoader{},
		Publisher: pub,
	})
}

func TestSetupQueues_DeclaresRetryAndDLQ(t *testing.T) {
	ch := &fakeDeclarer{}
	if err := SetupQueues(ch, IngestQueue); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(ch.exchanges) != 1 || ch.exchanges[0] != EventsExchange+":topic" {
		t.Fatalf("expected topic exchange, got %v", ch.exchanges)
	}
	if len(ch.queues) != 3 {
		t.Fatalf("expected 3 queues, got %d", len(ch.queues))
	}
	retry := ch.queues[2]
	if retry.name != "ingest_queue_retry" {
		t.Fatalf("expected retry queue, got %q", retry.name)
	}
	if retry.args["x-message-ttl"] != int32(10000) {
		t.Fatalf("expected 10s ttl, got %v", retry.args["x-message-ttl"])
	}
	if retry.args["x-dead-letter-routing-key"] != IngestQueue {
		t.Fatalf("expected dead-lettering back to %s, got %v", IngestQueue, retry.args["x-dead-letter-routing-key"])
	}
	if ch.queues[1].name != "ingest_queue_dlq" {
		t.Fatalf("expected dlq, got %q", ch.queues[1].name)
	}
}

func TestSetupQueues_Error(t *testing.T) {
	ch := &fakeDeclarer{failOn: "ingest_queue_dlq"}
	if err := SetupQueues(ch, IngestQueue); err == nil || !strings.Contains(err.Error(), "ingest_queue_dlq") {
		t.Fatalf("expected error naming the dlq, got %v", err)
	}
}

func TestDecodeIngestMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		storage string
	}{
		{"defaults to local", `{"source_path":"a.txt"}`, false, StorageLocal},
		{"s3", `{"source_path":"docs/a.txt","storage":"s3"}`, false, StorageS3},
		{"missing path", `{"storage":"local"}`, true, ""},
		{"unknown storage", `{"source_path":"a.txt","storage":"ftp"}`, true, ""},
		{"negative page", `{"source_path":"a.txt","page_number":-1}`, true, ""},
		{"not json", `nope`, true, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeIngestMessage([]byte(tc.body))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if msg.Storage != tc.storage {
				t.Fatalf("expected storage %q, got %q", tc.storage, msg.Storage)
			}
		})
	}
}

func TestIngestMessage_EncodeAndMeta(t *testing.T) {
	msg := IngestMessage{SourcePath: "acme.txt", PageNumber: 2, Metadata: map[string]string{"company": "acme"}}
	body, err := msg.Encode()
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	back, err := DecodeIngestMessage(body)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	meta := back.Meta()
	if meta.SourceID != "acme.txt" || meta.SourceFile != "acme.txt" || meta.PageNumber != 2 {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta.Extra["company"] != "acme" {
		t.Fatalf("expected metadata to be carried, got %v", meta.Extra)
	}

	if _, err := (IngestMessage{}).Encode(); err == nil {
		t.Fatal("expected error for empty message, got nil")
	}
}

func TestRetriesOf(t *testing.T) {
	tests := []struct {
		value any
		want  int
	}{
		{nil, 0},
		{int32(3), 3},
		{int64(7), 7},
		{int16(2), 2},
		{4, 4},
		{"5", 5},
		{"x", 0},
	}
	for _, tc := range tests {
		h := amqp091.Table{}
		if tc.value != nil {
			h[retriesHeader] = tc.value
		}
		if got := retriesOf(h); got != tc.want {
			t.Fatalf("retriesOf(%v) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestHandler_Success(t *testing.T) {
	ing := &fakeIngester{}
	pub := &fakePublisher{}
	var handled []RunEvent
	h := NewHandler(NewHandlerParams{
		Ingester:  ing,
		Local:     nopLoader{},
		Publisher: pub,
		OnHandled: func(e RunEvent, d time.Duration) { handled = append(handled, e) },
	})
	d, acker := delivery(t, `{"source_path":"acme.txt","source_id":"doc-1"}`, nil)

	if err := h.Handle(context.Background(), d); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if acker.acks != 1 || acker.nacks != 0 {
		t.Fatalf("expected 1 ack, got %d acks %d nacks", acker.acks, acker.nacks)
	}
	if len(ing.files) != 1 || ing.files[0].FilePath != "acme.txt" || ing.files[0].ID != "doc-1" {
		t.Fatalf("unexpected ingested files %+v", ing.files)
	}
	if ing.metas[0].SourceID != "doc-1" {
		t.Fatalf("expected source id doc-1, got %q", ing.metas[0].SourceID)
	}

	events := pub.to("ingest.succeeded")
	if len(events) != 1 || events[0].exchange != EventsExchange {
		t.Fatalf("expected one succeeded event, got %+v", pub.sent)
	}
	var ev RunEvent
	if err := json.Unmarshal(events[0].msg.Body, &ev); err != nil {
		t.Fatalf("expected valid event json, got %v", err)
	}
	if ev.Stats.ChunksProcessed != 2 || ev.Message.SourcePath != "acme.txt" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(handled) != 1 || handled[0].Status != common.RunStatusSucceeded {
		t.Fatalf("expected OnHandled with succeeded, got %+v", handled)
	}
}

func TestHandler_TransientFailureGoesToRetry(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(&fakeIngester{err: errors.New("memory pressure")}, pub)
	d, acker := delivery(t, `{"source_path":"acme.txt"}`, amqp091.Table{retriesHeader: int32(3)})

	if err := h.Handle(context.Background(), d); err == nil {
		t.Fatal("expected processing error, got nil")
	}
	retried := pub.to("ingest_queue_retry")
	if len(retried) != 1 {
		t.Fatalf("expected 1 retry publish, got %+v", pub.sent)
	}
	if retried[0].msg.Headers[retriesHeader] != int32(4) {
		t.Fatalf("expected x-retries 4, got %v", retried[0].msg.Headers[retriesHeader])
	}
	if d.Headers[retriesHeader] != int32(3) {
		t.Fatalf("expected delivery headers untouched, got %v", d.Headers[retriesHeader])
	}
	if acker.acks != 1 {
		t.Fatalf("expected original to be acked, got %d", acker.acks)
	}
	if len(pub.to("ingest.failed")) != 1 {
		t.Fatalf("expected failed event, got %+v", pub.sent)
	}
}

func TestHandler_ExhaustedRetriesGoToDLQ(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(&fakeIngester{err: errors.New("boom")}, pub)
	d, acker := delivery(t, `{"source_path":"acme.txt"}`, amqp091.Table{retriesHeader: int32(MaxRetries)})

	_ = h.Handle(context.Background(), d)

	if len(pub.to("ingest_queue_dlq")) != 1 || len(pub.to("ingest_queue_retry")) != 0 {
		t.Fatalf("expected dlq only, got %+v", pub.sent)
	}
	if acker.acks != 1 {
		t.Fatalf("expected ack after dlq publish, got %d", acker.acks)
	}
}

func TestHandler_PermanentFailuresSkipRetry(t *testing.T) {
	tests := []struct {
		name string
		body string
		ing  *fakeIngester
	}{
		{"invalid json", `{`, &fakeIngester{}},
		{"unconfigured s3", `{"source_path":"a.txt","storage":"s3"}`, &fakeIngester{}},
		{"empty source", `{"source_path":"a.txt"}`, &fakeIngester{err: loader.ErrEmptySource}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			h := newTestHandler(tc.ing, pub)
			d, _ := delivery(t, tc.body, nil)

			_ = h.Handle(context.Background(), d)

			if len(pub.to("ingest_queue_dlq")) != 1 {
				t.Fatalf("expected dlq publish, got %+v", pub.sent)
			}
		})
	}
}

func TestHandler_PublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{fail: "ingest_queue_retry"}
	h := newTestHandler(&fakeIngester{err: errors.New("boom")}, pub)
	d, acker := delivery(t, `{"source_path":"acme.txt"}`, nil)

	_ = h.Handle(context.Background(), d)

	if acker.nacks != 1 || !acker.requeue || acker.acks != 0 {
		t.Fatalf("expected requeue nack, got acks=%d nacks=%d requeue=%v", acker.acks, acker.nacks, acker.requeue)
	}
}

func TestHandler_CanceledRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := &fakePublisher{}
	h := newTestHandler(&fakeIngester{err: context.Canceled}, pub)
	d, acker := delivery(t, `{"source_path":"acme.txt"}`, nil)

	_ = h.Handle(ctx, d)

	if acker.nacks != 1 || !acker.requeue {
		t.Fatalf("expected requeue nack, got nacks=%d requeue=%v", acker.nacks, acker.requeue)
	}
	if len(pub.to("ingest_queue_retry")) != 0 || len(pub.to("ingest_queue_dlq")) != 0 {
		t.Fatalf("expected no retry or dlq publish, got %+v", pub.sent)
	}
}

type fakeConsumer struct {
	prefetch int
	msgs     chan amqp091.Delivery
}

func (f *fakeConsumer) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumer) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.msgs, nil
}

func TestHandler_ConsumeUntilClosed(t *testing.T) {
	ing := &fakeIngester{}
	h := newTestHandler(ing, &fakePublisher{})
	ch := &fakeConsumer{msgs: make(chan amqp091.Delivery, 2)}
	for i := 0; i < 2; i++ {
		d, _ := delivery(t, `{"source_path":"acme.txt"}`, nil)
		ch.msgs <- d
	}
	close(ch.msgs)

	if err := h.Consume(context.Background(), ch); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ch.prefetch != 1 {
		t.Fatalf("expected prefetch 1, got %d", ch.prefetch)
	}
	if len(ing.files) != 2 {
		t.Fatalf("expected 2 ingests, got %d", len(ing.files))
	}
}

type fakeLocker struct {
	keys []string
	busy bool
}

func (f *fakeLocker) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	f.keys = append(f.keys, key)
	if f.busy {
		return leaselock.ErrBusy
	}
	return fn(ctx)
}

func TestHandler_LeasePerSource(t *testing.T) {
	pub := &fakePublisher{}
	ing := &fakeIngester{}
	locks := &fakeLocker{}
	h := NewHandler(NewHandlerParams{Ingester: ing, Locker: locks, Local: nopLoader{}, Publisher: pub})
	d, acker := delivery(t, `{"source_path":"acme.txt","source_id":"doc-7"}`, nil)

	if err := h.Handle(context.Background(), d); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(locks.keys) != 1 || locks.keys[0] != "source:doc-7" {
		t.Fatalf("expected lease on source:doc-7, got %v", locks.keys)
	}
	if len(ing.files) != 1 || acker.acks != 1 {
		t.Fatalf("expected one ingest and ack, got %d files, %d acks", len(ing.files), acker.acks)
	}
}

func TestHandler_BusySourceIsDeferred(t *testing.T) {
	pub := &fakePublisher{}
	ing := &fakeIngester{}
	h := NewHandler(NewHandlerParams{Ingester: ing, Locker: &fakeLocker{busy: true}, Local: nopLoader{}, Publisher: pub})
	d, acker := delivery(t, `{"source_path":"acme.txt"}`, amqp091.Table{retriesHeader: int32(2)})

	err := h.Handle(context.Background(), d)
	if !errors.Is(err, leaselock.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(ing.files) != 0 {
		t.Fatalf("expected no ingest while busy, got %d", len(ing.files))
	}
	retried := pub.to("ingest_queue_retry")
	if len(retried) != 1 {
		t.Fatalf("expected 1 retry publish, got %+v", pub.sent)
	}
	if retried[0].msg.Headers[retriesHeader] != int32(2) {
		t.Fatalf("expected x-retries to stay 2, got %v", retried[0].msg.Headers[retriesHeader])
	}
	if acker.acks != 1 {
		t.Fatalf("expected ack after defer, got %d", acker.acks)
	}
}
