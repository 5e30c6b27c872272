package alert

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
)

type mockPublisher struct {
	publishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
	inputs      []*sns.PublishInput
}

func (m *mockPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, params)
	}
	return &sns.PublishOutput{}, nil
}

func TestInMemoryDeduplicator_OncePerActorPerDay(t *testing.T) {
	d := NewInMemoryDeduplicator(DefaultDedupTTL)
	ctx := context.Background()

	tests := []struct {
		actor string
		day   string
		want  bool
	}{
		{"u1", "2025-03-14", true},
		{"u1", "2025-03-14", false},
		{"u2", "2025-03-14", true},
		{"u1", "2025-03-15", true},
	}

	for i, tt := range tests {
		if got := d.ShouldAlert(ctx, tt.actor, TypeQuotaExhausted, tt.day); got != tt.want {
			t.Errorf("call %d (%s, %s): got %v, want %v", i, tt.actor, tt.day, got, tt.want)
		}
	}
}

func TestInMemoryDeduplicator_ExpiresEntries(t *testing.T) {
	d := NewInMemoryDeduplicator(time.Hour)
	now := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	d.ShouldAlert(ctx, "u1", TypeQuotaExhausted, "2025-03-14")
	now = now.Add(2 * time.Hour)

	if !d.ShouldAlert(ctx, "u1", TypeQuotaExhausted, "2025-03-14") {
		t.Error("expected alert after ttl elapsed")
	}
	if len(d.sent) != 1 {
		t.Errorf("got %d tracked entries, want 1", len(d.sent))
	}
}

func TestInMemoryDeduplicator_Concurrent(t *testing.T) {
	d := NewInMemoryDeduplicator(DefaultDedupTTL)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldAlert(ctx, "u1", TypeQuotaExhausted, "2025-03-14") {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("got %d granted alerts, want 1", granted)
	}
}

func TestDispatcher_QuotaExhausted(t *testing.T) {
	notifier := NewInMemoryNotifier()
	d := NewDispatcher(NewInMemoryDeduplicator(DefaultDedupTTL), notifier)
	ctx := context.Background()
	at := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := d.QuotaExhausted(ctx, "u1", "generate", "p1", "2025-03-14", at); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	alerts := notifier.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Type != TypeQuotaExhausted || a.ActorID != "u1" || a.Operation != "generate" || a.Day != "2025-03-14" {
		t.Errorf("unexpected alert: %+v", a)
	}
	if !strings.Contains(a.Message, "generate") {
		t.Errorf("message %q does not name the operation", a.Message)
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Send(ctx context.Context, a Alert) error { return f.err }

func TestDispatcher_NotifierError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(NewInMemoryDeduplicator(DefaultDedupTTL), failingNotifier{err: boom})

	err := d.QuotaExhausted(context.Background(), "u1", "generate", "p1", "2025-03-14", time.Now())
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestSNSNotifier_Send(t *testing.T) {
	pub := &mockPublisher{}
	n := &SNSNotifier{client: pub, topicArn: "arn:aws:sns:us-east-1:123456789012:quota-alerts"}

	err := n.Send(context.Background(), Alert{Type: TypeQuotaExhausted, ActorID: "u1", Operation: "generate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.inputs) != 1 {
		t.Fatalf("got %d publishes, want 1", len(pub.inputs))
	}
	in := pub.inputs[0]
	if *in.TopicArn != n.topicArn {
		t.Errorf("got topic %s, want %s", *in.TopicArn, n.topicArn)
	}
	if got := *in.MessageAttributes["Type"].StringValue; got != string(TypeQuotaExhausted) {
		t.Errorf("got Type attribute %s, want %s", got, TypeQuotaExhausted)
	}
	if got := *in.MessageAttributes["ActorID"].StringValue; got != "u1" {
		t.Errorf("got ActorID attribute %s, want u1", got)
	}
	if !strings.Contains(*in.Message, `"actorId":"u1"`) {
		t.Errorf("message missing actor: %s", *in.Message)
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	pub := &mockPublisher{
		publishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	n := &SNSNotifier{client: pub, topicArn: "arn"}

	if err := n.Send(context.Background(), Alert{Type: TypeQuotaExhausted}); err == nil {
		t.Error("expected error")
	}
}

func TestRedisDeduplicator_ShouldAlert(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis integration test")
	}

	d, err := NewRedisDeduplicator(url, time.Minute)
	if err != nil {
		t.Fatalf("failed to create deduplicator: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	actor := "test-" + uuid.NewString()

	if !d.ShouldAlert(ctx, actor, TypeQuotaExhausted, "2025-03-14") {
		t.Error("first alert should be sent")
	}
	if d.ShouldAlert(ctx, actor, TypeQuotaExhausted, "2025-03-14") {
		t.Error("duplicate alert should be suppressed")
	}
	if !d.ShouldAlert(ctx, actor, TypeQuotaExhausted, "2025-03-15") {
		t.Error("next day alert should be sent")
	}
}
