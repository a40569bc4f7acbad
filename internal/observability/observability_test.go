package observability_test

import (
	"MarketLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// gathered returns the value of the first sample of a metric family, or -1.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	return -1
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	reg1, reg2 := prometheus.NewRegistry(), prometheus.NewRegistry()
	m1 := observability.NewMetrics(reg1)
	observability.NewMetrics(reg2)

	m1.CoreOpsApplied.WithLabelValues("accept_offer").Inc()
	if got := gathered(t, reg1, "mkt_core_ops_applied_total"); got != 1 {
		t.Errorf("reg1: got %v", got)
	}
	// Vectors without children are not gathered.
	if got := gathered(t, reg2, "mkt_core_ops_applied_total"); got != -1 {
		t.Errorf("reg2 should be independent, got %v", got)
	}
}

func TestSetChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	m.SetChannelMetrics("events", 25, 100)
	if got := gathered(t, reg, "mkt_channel_utilization_ratio"); got != 0.25 {
		t.Errorf("utilization: got %v", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		"WARN":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		" error ":  zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"loud":     zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_TagsAndFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "engine", observability.ParseLogLevel("warn"))

	log.Info().Msg("dropped")
	log.Warn().Str("escrow_id", "e1").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above warn, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["component"] != "engine" || entry["service"] != "marketledger" || entry["message"] != "kept" {
		t.Errorf("entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestReadinessHandler(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got %d", rec.Code)
	}

	h.AddCheck("postgres", func(ctx context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failing check: got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d", rec.Code)
	}
}
