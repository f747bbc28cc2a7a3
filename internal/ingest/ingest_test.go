package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/bytefense/soar/internal/core"
	"github.com/bytefense/soar/internal/incident"
	"github.com/bytefense/soar/internal/response"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeSubmitter struct {
	mu     sync.Mutex
	events []*core.DetectionEvent
	errs   []error // consumed one per call
	res    response.Result
}

func (f *fakeSubmitter) Submit(_ context.Context, ev *core.DetectionEvent) (response.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return f.res, err
		}
	}
	return response.Result{IncidentID: "inc-1", Status: incident.StatusResolved}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSubmitter) last() *core.DetectionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []string
}

func (a *fakeAcker) record(s string) {
	a.mu.Lock()
	a.acks = append(a.acks, s)
	a.mu.Unlock()
}

func (a *fakeAcker) Ack(*nats.Msg)                { a.record("ack") }
func (a *fakeAcker) Nak(*nats.Msg, time.Duration) { a.record("nak") }
func (a *fakeAcker) Term(*nats.Msg)               { a.record("term") }

func (a *fakeAcker) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.acks...)
}

func detectionJSON(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"attack_type":"ssh_brute_force","severity":"medium","source_ip":"10.0.0.5"}`, id))
}

// ─── deliver ─────────────────────────────────────────────────────────────────

func TestDeliver_Dispositions(t *testing.T) {
	tests := []struct {
		name string
		err  error
		res  response.Result
		want Disposition
	}{
		{"accepted", nil, response.Result{}, Accept},
		{"invalid", fmt.Errorf("%w: severity failed required", core.ErrInvalidEvent), response.Result{}, Reject},
		{"queue full", response.ErrQueueFull, response.Result{}, Retry},
		{"stopped", response.ErrStopped, response.Result{}, Retry},
		{"storage error after create", incident.ErrStorageUnavailable, response.Result{IncidentID: "inc-9"}, Accept},
		{"storage error before create", incident.ErrStorageUnavailable, response.Result{}, Retry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{errs: []error{tc.err}, res: tc.res}
			ev := core.NewDetectionEvent("ssh_brute_force", core.SeverityMedium, "10.0.0.5")
			if got := deliver(context.Background(), sub, nil, ev, zerolog.Nop()); got != tc.want {
				t.Errorf("disposition = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDeliver_DedupAndForget(t *testing.T) {
	dedup := core.NewDeliveryDedup(time.Minute, 100)
	sub := &fakeSubmitter{errs: []error{response.ErrQueueFull}}
	ev := core.NewDetectionEvent("ssh_brute_force", core.SeverityMedium, "10.0.0.5")

	if deliver(context.Background(), sub, dedup, ev, zerolog.Nop()) != Retry {
		t.Fatal("queue full should retry")
	}
	if deliver(context.Background(), sub, dedup, ev, zerolog.Nop()) != Accept || sub.count() != 2 {
		t.Fatal("redelivery after a refused submit must reach the engine")
	}
	if deliver(context.Background(), sub, dedup, ev, zerolog.Nop()) != Accept || sub.count() != 2 {
		t.Error("a processed delivery must not be submitted twice")
	}
}

// ─── NATS ────────────────────────────────────────────────────────────────────

func newTestNATSSource(sub Submitter) (*NATSSource, *fakeAcker) {
	s := NewNATSSource(core.NATSIngestConfig{}, nil, sub, core.NewDeliveryDedup(time.Minute, 100), zerolog.Nop())
	a := &fakeAcker{}
	s.acks = a
	return s, a
}

func TestNATSSource_Settlement(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		errs []error
		want string
	}{
		{"accepted", detectionJSON("e1"), nil, "ack"},
		{"undecodable", []byte("{not json"), nil, "term"},
		{"invalid", detectionJSON("e2"), []error{core.ErrInvalidEvent}, "term"},
		{"queue full", detectionJSON("e3"), []error{response.ErrQueueFull}, "nak"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, acks := newTestNATSSource(&fakeSubmitter{errs: tc.errs})
			s.handle(&nats.Msg{Subject: "sec.detections.auth.ssh_brute_force", Data: tc.data})
			if got := acks.all(); len(got) != 1 || got[0] != tc.want {
				t.Errorf("settled = %v, want %s", got, tc.want)
			}
		})
	}
}

func TestNATSSource_ProducerFromSubject(t *testing.T) {
	sub := &fakeSubmitter{}
	s, _ := newTestNATSSource(sub)
	s.handle(&nats.Msg{Subject: "sec.detections.auth.ssh_brute_force", Data: detectionJSON("e1")})
	if got := sub.last().Producer; got != "auth" {
		t.Errorf("producer = %q", got)
	}

	tests := []struct{ subject, want string }{
		{"sec.detections.ids.port_scan", "ids"},
		{"sec.detections._.port_scan", ""},
		{"sec.detections.external.x", ""},
		{"sec.incidents.resolved", ""},
		{"sec.detections.", ""},
	}
	for _, tc := range tests {
		if got := producerFromSubject(tc.subject); got != tc.want {
			t.Errorf("producerFromSubject(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}

func TestNATSSource_RedeliveryIsAcked(t *testing.T) {
	sub := &fakeSubmitter{}
	s, acks := newTestNATSSource(sub)
	msg := &nats.Msg{Subject: "sec.detections.auth.ssh_brute_force", Data: detectionJSON("e1")}
	s.handle(msg)
	s.handle(msg)
	if sub.count() != 1 {
		t.Errorf("submitted %d times", sub.count())
	}
	if got := acks.all(); len(got) != 2 || got[1] != "ack" {
		t.Errorf("settled = %v", got)
	}
}

// ─── Kafka ───────────────────────────────────────────────────────────────────

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{Lag: 7} }

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaSource_CommitsInOrder(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 10, Key: []byte("waf"), Value: detectionJSON("k1")},
		{Offset: 11, Value: []byte("garbage")},
		{Offset: 12, Value: detectionJSON("k2")},
	}}
	sub := &fakeSubmitter{errs: []error{nil, response.ErrQueueFull}}
	s := newKafkaSource(core.KafkaIngestConfig{Topic: "detections"}, reader, sub, nil, zerolog.Nop())
	s.retryBackoff = time.Millisecond

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}

	got := reader.commits()
	if len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Fatalf("commits = %v", got)
	}
	if sub.count() != 3 {
		t.Errorf("submits = %d, want 3 (one retry)", sub.count())
	}
	if sub.events[0].Producer != "waf" {
		t.Errorf("producer = %q", sub.events[0].Producer)
	}
	stats := s.Stats()
	if stats["consumed"] != 2 || stats["rejected"] != 1 || stats["lag"] != 7 {
		t.Errorf("stats = %v", stats)
	}
	if !reader.closed {
		t.Error("reader not closed")
	}
}

func TestKafkaSource_StopDuringRetryLeavesUncommitted(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 5, Value: detectionJSON("k1")}}}
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = response.ErrQueueFull
	}
	sub := &fakeSubmitter{errs: errs}
	s := newKafkaSource(core.KafkaIngestConfig{Topic: "detections"}, reader, sub, nil, zerolog.Nop())
	s.retryBackoff = 5 * time.Millisecond

	_ = s.Start()
	time.Sleep(30 * time.Millisecond)
	_ = s.Stop()
	if len(reader.commits()) != 0 {
		t.Error("message the engine never took was committed")
	}
}

func TestNewKafkaSource_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSource(core.KafkaIngestConfig{Topic: "detections"}, &fakeSubmitter{}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error without brokers")
	}
}

// ─── Dispositions ────────────────────────────────────────────────────────────

func TestDisposition_String(t *testing.T) {
	if Accept.String() != "accept" || Retry.String() != "retry" || Reject.String() != "reject" {
		t.Error("unexpected disposition names")
	}
	if !errors.Is(fmt.Errorf("x: %w", errNoDetection), errNoDetection) {
		t.Error("errNoDetection should wrap")
	}
}
