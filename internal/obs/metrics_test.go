package obs

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/crypto/verify-payment?hash=0xabc", "/v1/crypto/verify-payment"},
		{"/v1/payments/0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060", "/v1/payments/:id"},
		{"/v1/identities/01HZX3V5R7M8Q2W9K4T6B1N0CD", "/v1/identities/:id"},
		{"/v1/identities/short", "/v1/identities/short"},
		{"/v1/me/credits", "/v1/me/credits"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstrumentUsesRouteLabel(t *testing.T) {
	Init()
	Init()

	var called string
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), func(r *http.Request) string {
		called = "/v1/things/{id}"
		return called
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/things/42", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if called == "" {
		t.Fatal("route label function was not consulted")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	restore := SetLogger(l)
	defer restore()
	if Logger() != l {
		t.Fatal("SetLogger did not replace the shared logger")
	}
}

func TestInitBuildInfoKeepsFirstLabels(t *testing.T) {
	InitBuildInfo("1.2.3", "abc123")
	InitBuildInfo("9.9.9", "other")

	if got := testutil.ToFloat64(buildInfo.WithLabelValues("1.2.3", "abc123", runtime.Version())); got != 1 {
		t.Fatalf("build_info=%v, want 1", got)
	}
	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected one build_info series, got %d", n)
	}
	if testutil.ToFloat64(startTime) <= 0 {
		t.Fatal("start time not set")
	}
}
