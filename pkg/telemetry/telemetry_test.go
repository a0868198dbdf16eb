package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "missing metrics address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsExposeTaskCounters(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordTaskStarted("apply", "MODULE")
	m.RecordCLICall("plan", "success", 2*time.Second)
	m.RecordTaskCompleted("apply", "success", 3*time.Second)
	m.RecordSecretDelete(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`tgworker_tasks_started_total{kind="apply",run_type="MODULE"} 1`,
		`tgworker_cli_calls_total{result="success",verb="plan"} 1`,
		`tgworker_plan_secret_deletes_total{result="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordTaskStarted("plan", "RUN_ALL")
	m.RecordError("cli_runtime")

	var nilMetrics *Metrics
	nilMetrics.RecordUnit("Plan", "success")
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}, FilterByTaskID("task-1"))

	_ = ep.PublishUnit("task-1", "Plan", "running")
	_ = ep.PublishUnit("task-2", "Plan", "running")
	_ = ep.PublishUnit("task-1", "Plan", "failure")

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].Type != EventTypeUnitFailed || got[1].Level != EventLevelError {
		t.Errorf("unexpected failure event: %+v", got[1])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("event id/timestamp not populated: %+v", got[0])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishTaskStarted("t", "plan"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("expected 5 delivered events, got %d", count)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "noop")
	if op.span != nil {
		t.Fatal("expected no span without telemetry in context")
	}
	op.End(errors.New("ignored"))
}

func TestStartOperationWithNopTelemetry(t *testing.T) {
	tel := NewNop()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "fetch")
	if op.span == nil {
		t.Fatal("expected span")
	}
	op.End(nil)

	if FromTelemetryContext(ctx) != tel {
		t.Fatal("telemetry not found in context")
	}
}

func TestOperationContextCarriesSpan(t *testing.T) {
	ctx := NewNop().WithContext(context.Background())
	op := StartOperation(ctx, "plan")
	defer op.End(nil)

	if op.Context() == ctx {
		t.Fatal("operation context should carry its span")
	}
	if op.Elapsed() < 0 {
		t.Fatal("negative elapsed time")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerFromContext(t *testing.T) {
	l := Nop().NewComponentLogger("engine")
	ctx := l.WithContext(context.Background())
	if FromContext(ctx) != l {
		t.Fatal("logger not found in context")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("expected a discarding logger")
	}
}

func TestLogEvents(t *testing.T) {
	var buf strings.Builder
	logger := zerolog.New(&buf)

	LogEvents(logger)(Event{Type: EventTypeUnitFailed, TaskID: "t1", Unit: "Plan", Level: EventLevelError, Message: "Plan failure"})

	out := buf.String()
	for _, want := range []string{`"level":"error"`, `"event":"unit.failed"`, `"unit":"Plan"`, `"message":"Plan failure"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q lacks %s", out, want)
		}
	}
}
