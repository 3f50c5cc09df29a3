package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 跳过原因标签
const (
	SkipRunOnce            = "run_once"
	SkipNotEvents          = "not_events"
	SkipIncompleteTriggers = "incomplete_triggers"
	SkipUnsubscribed       = "unsubscribed"
	SkipNoTemplate         = "no_template"
)

var actionsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mailflow_automation_actions_evaluated_total",
	Help: "Candidate actions evaluated by the automation engine",
})

var actionsTriggered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mailflow_automation_actions_triggered_total",
	Help: "Actions that enqueued a send-email task",
})

var actionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailflow_automation_actions_skipped_total",
	Help: "Actions skipped by the automation engine, by gate",
}, []string{"reason"})

var triggerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailflow_automation_triggers_total",
	Help: "Automation engine invocations by outcome",
}, []string{"outcome"})

var tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailflow_tasks_dispatched_total",
	Help: "Tasks handed to the task queue, by type and route",
}, []string{"type", "route"})

var rateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailflow_http_rate_limit_drops_total",
	Help: "Requests rejected with 429, by limiter",
}, []string{"prefix"})

// AutomationStats is the tally of one engine invocation.
type AutomationStats struct {
	ActionsEvaluated   int
	ActionsTriggered   int
	RunOnce            int
	NotEvents          int
	IncompleteTriggers int
	Unsubscribed       int
	NoTemplate         int
}

// Skips returns the skip counts keyed by reason label.
func (s AutomationStats) Skips() map[string]int {
	return map[string]int{
		SkipRunOnce:            s.RunOnce,
		SkipNotEvents:          s.NotEvents,
		SkipIncompleteTriggers: s.IncompleteTriggers,
		SkipUnsubscribed:       s.Unsubscribed,
		SkipNoTemplate:         s.NoTemplate,
	}
}

// ObserveAutomation adds one invocation's tallies to the exported counters.
func ObserveAutomation(s AutomationStats, err error) {
	actionsEvaluated.Add(float64(s.ActionsEvaluated))
	actionsTriggered.Add(float64(s.ActionsTriggered))
	for reason, n := range s.Skips() {
		if n > 0 {
			actionsSkipped.WithLabelValues(reason).Add(float64(n))
		}
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	triggerInvocations.WithLabelValues(outcome).Inc()
}

// IncTaskDispatched counts a task routed to "queue" or "scheduler".
func IncTaskDispatched(taskType, route string) {
	tasksDispatched.WithLabelValues(taskType, route).Inc()
}

// rateLimitStats keeps an in-process snapshot next to the Prometheus series
// so the health endpoint can report drops without scraping.
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.WithLabelValues(prefix).Inc()
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
