package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsEvents(t *testing.T) {
	recorder := NewRecorder()
	recorder.ObserveEvent("playback:play", OutcomeOK, 5*time.Millisecond)
	recorder.ObserveEvent("playback:play", OutcomeRejected, time.Millisecond)
	recorder.ObserveEvent("playback:play", OutcomeOK, time.Millisecond)

	if got := testutil.ToFloat64(recorder.events.WithLabelValues("playback:play", OutcomeOK)); got != 2 {
		t.Fatalf("expected two ok events, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.events.WithLabelValues("playback:play", OutcomeRejected)); got != 1 {
		t.Fatalf("expected one rejected event, got %v", got)
	}
}

func TestRecorderGauges(t *testing.T) {
	recorder := NewRecorder()
	recorder.ConnectionOpened()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	recorder.SetRooms(3)

	if got := testutil.ToFloat64(recorder.connections); got != 1 {
		t.Fatalf("expected one connection, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.rooms); got != 3 {
		t.Fatalf("expected three rooms, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ConnectionOpened()
	recorder.ObserveEvent("chat:message", OutcomeOK, time.Millisecond)
	recorder.BackplaneMessage(DirectionPublished)
	recorder.FrameDropped()
	if recorder.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	recorder := NewRecorder()
	recorder.BackplaneMessage(DirectionReceived)

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), `listenparty_backplane_messages_total{direction="received"} 1`) {
		t.Fatalf("expected backplane counter in output:\n%s", response.Body.String())
	}
}
