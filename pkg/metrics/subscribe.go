package metrics

import (
	"ctxcore/pkg/ctxmodel"
	"ctxcore/pkg/events"
)

// Subscribe registers the recorder on bus, translating lifecycle events
// into Prometheus observations. model labels the pool-usage gauges; it is
// the only piece of context the bus doesn't already carry per event.
func (r *Recorder) Subscribe(bus *events.Bus, model string) *events.Handle {
	return bus.Subscribe(func(ev events.Event) {
		switch ev.Kind {
		case events.KindMessageAdded:
			if budget, ok := ev.Payload["budget"].(ctxmodel.Budget); ok {
				level := int(ctxmodel.ClassifyThreshold(budget.FractionUsed))
				r.ObserveBudget(ev.SessionID, model, budget.Used, budget.PoolSize, budget.FractionUsed, level)
			}
		case events.KindCompressionCompleted:
			ratio, _ := ev.Payload["ratio"].(float64)
			r.ObserveCompression(ev.SessionID, "hybrid", "completed", ratio, 0)
		case events.KindCompressionSkipped:
			reason, _ := ev.Payload["reason"].(string)
			r.ObserveCompression(ev.SessionID, "hybrid", "skipped_"+reason, 0, 0)
		case events.KindSnapshotCreated:
			r.ObserveSnapshot(ev.SessionID, "create", "ok")
		case events.KindSnapshotRestored:
			r.ObserveSnapshot(ev.SessionID, "restore", "ok")
		case events.KindRollover:
			r.ObserveRollover(ev.SessionID)
		}
	})
}
