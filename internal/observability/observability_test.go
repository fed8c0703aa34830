package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/event"
	"github.com/forgebuild/forge/internal/graph"
)

func TestBuildSessionTracksCounts(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()

	session := NewBuildSession(bus, 3, 2)
	defer session.Close()

	tgt := graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}
	bus.Emit(event.Event{Kind: event.KindTargetStarted, Target: tgt})
	bus.Emit(event.Event{Kind: event.KindTargetSucceeded, Target: tgt})

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.Succeeded == 1 && snap.Started == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBuildSessionDerivesStatus(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()

	session := NewBuildSession(bus, 2, 2)
	defer session.Close()

	tgt := graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}
	bus.Emit(event.Event{Kind: event.KindTargetStarted, Target: tgt})
	bus.Emit(event.Event{Kind: event.KindTargetSucceeded, Target: tgt, Fields: map[string]interface{}{"duration_seconds": 2.0}})

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.Completed == 1 && snap.AvgTaskTime == 2*time.Second && snap.Status == Healthy
	}, time.Second, 5*time.Millisecond)
}

func TestStatusForThresholds(t *testing.T) {
	require.Equal(t, Healthy, statusFor(HealthCheckpoint{Total: 10, Completed: 10, Failed: 0}))
	require.Equal(t, Degraded, statusFor(HealthCheckpoint{Total: 10, Completed: 10, Failed: 2}))
	require.Equal(t, Critical, statusFor(HealthCheckpoint{Total: 10, Completed: 10, Failed: 6}))
	require.Equal(t, Warning, statusFor(HealthCheckpoint{
		Total: 10, Completed: 0, Pending: 10, Active: 0, Uptime: time.Minute,
	}))
}

func TestStatusPrinterNoopOnNonTerminal(t *testing.T) {
	var buf sliceWriter
	p := NewStatusPrinter(&buf)
	p.Print("hello")
	require.Empty(t, buf)
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}

func TestMetricsCountTerminalStates(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, bus)
	defer m.Close()

	tgt := graph.TargetId{Workspace: "ws", PackagePath: "pkg", Name: "t"}
	bus.Emit(event.Event{Kind: event.KindTargetStarted, Target: tgt})
	bus.Emit(event.Event{Kind: event.KindTargetFailed, Target: tgt})

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, fam := range families {
			if fam.GetName() != "forge_targets_total" {
				continue
			}
			for _, metric := range fam.Metric {
				if labelEquals(metric, "result", "failed") && metric.GetCounter().GetValue() == 1 {
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func labelEquals(m *dto.Metric, name, value string) bool {
	for _, lp := range m.Label {
		if lp.GetName() == name {
			return lp.GetValue() == value
		}
	}
	return false
}
