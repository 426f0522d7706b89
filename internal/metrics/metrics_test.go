package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

// value returns the sum of all samples of a counter or gauge family.
func value(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}

func TestManagerRecording(t *testing.T) {
	Convey("Given a manager on its own registry", t, func() {
		m := NewManager(WithNamespace("test"))
		reg := m.Registry()

		Convey("When engine calls are observed", func() {
			m.ObserveEngineCall(10*time.Millisecond, nil)
			m.ObserveEngineCall(20*time.Millisecond, nil)
			m.ObserveEngineCall(time.Second, errors.New("eof"))

			Convey("Then successes count positions and errors count failures", func() {
				So(value(reg, "test_positions_evaluated_total"), ShouldEqual, 2)
				So(value(reg, "test_engine_failures_total"), ShouldEqual, 1)
			})
		})

		Convey("When outcomes and checkpoints are recorded", func() {
			m.RecordGame(OutcomeEvaluated)
			m.RecordGame(OutcomeEvaluated)
			m.RecordGame(OutcomeSkipped)
			m.RecordCheckpoint(time.Millisecond, 3)
			m.RecordCheckpoint(time.Millisecond, 0)
			m.RecordPlayer("success")

			Convey("Then the counters reflect them", func() {
				So(value(reg, "test_games_total"), ShouldEqual, 3)
				So(value(reg, "test_checkpoints_total"), ShouldEqual, 2)
				So(value(reg, "test_duplicates_eliminated_total"), ShouldEqual, 3)
				So(value(reg, "test_players_total"), ShouldEqual, 1)
			})
		})

		Convey("When workers start and stop", func() {
			m.WorkerStarted()
			m.WorkerStarted()
			m.WorkerStopped()

			Convey("Then the gauge tracks active workers", func() {
				So(value(reg, "test_active_workers"), ShouldEqual, 1)
			})
		})

		Convey("When the handler is scraped", func() {
			m.RecordGame(OutcomeFailed)
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, _ := io.ReadAll(rec.Body)

			Convey("Then it exposes the registry", func() {
				So(rec.Code, ShouldEqual, 200)
				So(strings.Contains(string(body), `test_games_total{outcome="failed"} 1`), ShouldBeTrue)
			})
		})
	})
}

func TestNilManager(t *testing.T) {
	Convey("Given a nil manager", t, func() {
		var m *Manager

		Convey("Then recording is a no-op", func() {
			So(func() {
				m.ObserveEngineCall(time.Millisecond, nil)
				m.RecordGame(OutcomeEvaluated)
				m.RecordPlayer("success")
				m.RecordCheckpoint(time.Millisecond, 1)
				m.WorkerStarted()
				m.WorkerStopped()
			}, ShouldNotPanic)
		})
	})
}

func TestTwoManagersDoNotCollide(t *testing.T) {
	Convey("Given two managers with default options", t, func() {
		So(func() {
			NewManager()
			NewManager()
		}, ShouldNotPanic)
	})
}
