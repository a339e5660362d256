package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStorage struct {
	mu      sync.Mutex
	records []*Record
	err     error
	block   chan struct{}
}

func (f *fakeStorage) Store(ctx context.Context, r *Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStorage) Query(context.Context, *Query) ([]*Record, error) { return nil, nil }
func (f *fakeStorage) Count(context.Context, *Query) (int64, error)     { return 0, nil }
func (f *fakeStorage) Delete(context.Context, *Query) (int64, error)    { return 0, nil }
func (f *fakeStorage) Close() error                                     { return nil }

func (f *fakeStorage) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingMetrics struct {
	mu       sync.Mutex
	ok, fail int
	drops    int
}

func (m *countingMetrics) RecordAuditWrite(ok bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.ok++
	} else {
		m.fail++
	}
}

func (m *countingMetrics) RecordAuditDrop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops++
}

func sampleRecord() *Record {
	return &Record{
		RequestID:         "req-1",
		Principal:         "frontend-sa",
		IdentityNamespace: "web",
		AuthMethod:        "token",
		SecretName:        "frontend-config",
		SecretKey:         "api_url",
		Namespace:         "web",
		Decision:          "allow",
		Reason:            "allowed by policy frontend",
		Outcome:           OutcomeSuccess,
		StatusCode:        200,
		Labels:            map[string]string{"tier": "frontend"},
	}
}

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

// ============================================================================
// Recording
// ============================================================================

func TestLogger_RecordStoresAndFillsDefaults(t *testing.T) {
	store := &fakeStorage{}
	l := NewLogger(store, nil, WithEventLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))))

	r := sampleRecord()
	if err := l.Record(context.Background(), r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	closeLogger(t, l)

	if store.len() != 1 {
		t.Fatalf("stored %d records, want 1", store.len())
	}
	got := store.records[0]
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Errorf("ID/Timestamp not filled: %+v", got)
	}
	if got.ID != r.ID {
		t.Errorf("caller record ID = %q, stored %q", r.ID, got.ID)
	}
	if got.Labels != nil {
		t.Errorf("labels kept on non-verbose record: %v", got.Labels)
	}
	if l.Written() != 1 {
		t.Errorf("Written() = %d, want 1", l.Written())
	}
}

func TestLogger_VerboseKeepsLabels(t *testing.T) {
	store := &fakeStorage{}
	l := NewLogger(store, nil, WithEventLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))))

	r := sampleRecord()
	r.Verbose = true
	if err := l.Record(context.Background(), r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	closeLogger(t, l)

	if store.records[0].Labels["tier"] != "frontend" {
		t.Errorf("labels = %v, want tier=frontend", store.records[0].Labels)
	}
}

func TestLogger_EmitsStructuredEvent(t *testing.T) {
	buf := &syncBuffer{}
	l := NewLogger(nil, nil, WithEventLogger(slog.New(slog.NewJSONHandler(buf, nil))))

	r := sampleRecord()
	r.MatchedPolicy = "frontend"
	if err := l.Record(context.Background(), r); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &event); err != nil {
		t.Fatalf("event is not JSON: %v\n%s", err, buf.String())
	}
	want := map[string]interface{}{
		"component":      "audit",
		"msg":            "secret access",
		"principal":      "frontend-sa",
		"secret_name":    "frontend-config",
		"decision":       "allow",
		"matched_policy": "frontend",
		"outcome":        "success",
	}
	for k, v := range want {
		if event[k] != v {
			t.Errorf("event[%q] = %v, want %v", k, event[k], v)
		}
	}
	if _, ok := event["labels"]; ok {
		t.Error("non-verbose event carries labels")
	}
}

func TestLogger_StorageFailureAlerts(t *testing.T) {
	buf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(buf, nil)))
	defer slog.SetDefault(prev)

	metrics := &countingMetrics{}
	store := &fakeStorage{err: errors.New("disk full")}
	l := NewLogger(store, nil, WithMetrics(metrics))

	if err := l.Record(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Record() error = %v, want nil for async failure", err)
	}
	closeLogger(t, l)

	if l.Failed() != 1 {
		t.Errorf("Failed() = %d, want 1", l.Failed())
	}
	if metrics.fail != 1 {
		t.Errorf("failure metric = %d, want 1", metrics.fail)
	}
	out := buf.String()
	if !strings.Contains(out, `"alert":true`) || !strings.Contains(out, "failed to store audit record") {
		t.Errorf("missing alert log line:\n%s", out)
	}
}

func TestLogger_FullBufferFallsBackToSyncWrite(t *testing.T) {
	store := &fakeStorage{block: make(chan struct{})}
	metrics := &countingMetrics{}
	l := NewLogger(store, &Config{AsyncBuffer: 1, WriteTimeout: 50 * time.Millisecond},
		WithMetrics(metrics),
		WithEventLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))))

	// The first record parks the worker inside Store, the second fills the
	// buffer.
	for i := 0; i < 2; i++ {
		if err := l.Record(context.Background(), sampleRecord()); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Record(context.Background(), sampleRecord()) }()

	time.Sleep(150 * time.Millisecond)
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
	close(store.block)

	if err := <-errCh; err != nil {
		t.Errorf("synchronous Record() error = %v", err)
	}
	closeLogger(t, l)

	if metrics.drops != 1 {
		t.Errorf("drop metric = %d, want 1", metrics.drops)
	}
	if store.len() != 3 {
		t.Errorf("stored %d records, want 3", store.len())
	}
}

func TestLogger_CloseDrains(t *testing.T) {
	store := &fakeStorage{}
	l := NewLogger(store, &Config{AsyncBuffer: 100, WriteTimeout: time.Second},
		WithEventLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))))

	const n = 50
	for i := 0; i < n; i++ {
		if err := l.Record(context.Background(), sampleRecord()); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	closeLogger(t, l)

	if store.len() != n {
		t.Errorf("stored %d records after Close, want %d", store.len(), n)
	}
	if err := l.Record(context.Background(), sampleRecord()); !errors.Is(err, ErrClosed) {
		t.Errorf("Record after Close error = %v, want ErrClosed", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentRecords(t *testing.T) {
	store := &fakeStorage{}
	l := NewLogger(store, &Config{AsyncBuffer: 8, WriteTimeout: time.Second},
		WithEventLogger(slog.New(slog.NewTextHandler(&syncBuffer{}, nil))))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = l.Record(context.Background(), sampleRecord())
			}
		}()
	}
	wg.Wait()
	closeLogger(t, l)

	if store.len() != 200 {
		t.Errorf("stored %d records, want 200", store.len())
	}
}

// ============================================================================
// Query
// ============================================================================

func TestQuery_Matches(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := sampleRecord()
	r.Timestamp = now

	before, after := now.Add(-time.Hour), now.Add(time.Hour)
	tests := []struct {
		name string
		q    *Query
		want bool
	}{
		{"nil", nil, true},
		{"empty", &Query{}, true},
		{"principal", &Query{Principal: "frontend-sa"}, true},
		{"other principal", &Query{Principal: "api"}, false},
		{"window", &Query{StartTime: &before, EndTime: &after}, true},
		{"ends before", &Query{EndTime: &before}, false},
		{"starts after", &Query{StartTime: &after}, false},
		{"outcome", &Query{Outcome: OutcomeDenied}, false},
		{"decision and secret", &Query{Decision: "allow", SecretName: "frontend-config"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(r); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
