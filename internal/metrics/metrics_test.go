package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(documentsTotal.WithLabelValues("test_source"))
	ObserveDocument("test_source")
	ObserveDocument("test_source")
	after := testutil.ToFloat64(documentsTotal.WithLabelValues("test_source"))
	if after-before != 2 {
		t.Fatalf("expected documents counter to grow by 2, got %f", after-before)
	}

	beforeRetry := testutil.ToFloat64(httpRetriesTotal.WithLabelValues("overload"))
	ObserveHTTPRetry("overload")
	afterRetry := testutil.ToFloat64(httpRetriesTotal.WithLabelValues("overload"))
	if afterRetry-beforeRetry != 1 {
		t.Fatalf("expected retry counter to grow by 1, got %f", afterRetry-beforeRetry)
	}

	beforeVPN := testutil.ToFloat64(vpnRotationsTotal)
	ObserveVPNRotation()
	if got := testutil.ToFloat64(vpnRotationsTotal) - beforeVPN; got != 1 {
		t.Fatalf("expected vpn rotation counter to grow by 1, got %f", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	ObserveFileWritten("norms")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "harvester_files_written_total") {
		t.Fatal("expected exposition to contain harvester_files_written_total")
	}
}
