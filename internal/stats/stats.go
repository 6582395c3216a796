// Package stats keeps an in-memory view of recent executions for operators:
// counters per outcome and a bounded history ring, fed from the event bus
// and summarized to the log on an interval.
package stats

import (
	"context"
	"sync"
	"time"

	"socializer/internal/eventbus"
	logx "socializer/pkg/logx"
)

const defaultHistorySize = 200

type HistoryItem struct {
	JobID     string
	Platform  string
	AccountID string
	Outcome   string // done, retrying, failed, deferred
	Duration  time.Duration
	At        time.Time
	Error     string
}

type Snapshot struct {
	Claimed  uint64
	Done     uint64
	Retrying uint64
	Failed   uint64
	Deferred uint64
	History  []HistoryItem
}

type Collector struct {
	bus             eventbus.Bus
	log             logx.Logger
	summaryInterval time.Duration

	mu       sync.Mutex
	counts   map[string]uint64
	history  []HistoryItem
	histSize int

	unsub func()
	done  chan struct{}
}

func NewCollector(bus eventbus.Bus, log logx.Logger, summaryInterval time.Duration) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if summaryInterval <= 0 {
		summaryInterval = time.Minute
	}
	return &Collector{
		bus:             bus,
		log:             log,
		summaryInterval: summaryInterval,
		counts:          map[string]uint64{},
		histSize:        defaultHistorySize,
	}
}

func (c *Collector) Start(ctx context.Context) {
	if c.done != nil {
		return
	}
	ch, unsub := c.bus.Subscribe(64)
	c.unsub = unsub
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				c.record(e)
			case <-ticker.C:
				c.logSummary()
			}
		}
	}()
}

func (c *Collector) Stop() {
	if c.unsub != nil {
		c.unsub()
	}
	if c.done != nil {
		<-c.done
		c.done = nil
	}
}

func (c *Collector) record(e eventbus.Event) {
	je, ok := e.Data.(eventbus.JobEvent)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[e.Type]++
	if e.Type == eventbus.TypeJobClaimed {
		return
	}
	c.history = append(c.history, HistoryItem{
		JobID:     je.JobID,
		Platform:  je.Platform,
		AccountID: je.AccountID,
		Outcome:   outcomeName(e.Type),
		Duration:  je.Duration,
		At:        e.Time,
		Error:     je.Error,
	})
	if len(c.history) > c.histSize {
		c.history = c.history[len(c.history)-c.histSize:]
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := make([]HistoryItem, len(c.history))
	copy(h, c.history)
	return Snapshot{
		Claimed:  c.counts[eventbus.TypeJobClaimed],
		Done:     c.counts[eventbus.TypeJobDone],
		Retrying: c.counts[eventbus.TypeJobRetrying],
		Failed:   c.counts[eventbus.TypeJobFailed],
		Deferred: c.counts[eventbus.TypeJobDeferred],
		History:  h,
	}
}

func (c *Collector) logSummary() {
	s := c.Snapshot()
	if s.Claimed == 0 {
		return
	}
	c.log.Info("execution summary",
		logx.Uint64("claimed", s.Claimed),
		logx.Uint64("done", s.Done),
		logx.Uint64("retrying", s.Retrying),
		logx.Uint64("failed", s.Failed),
		logx.Uint64("deferred", s.Deferred),
	)
}

func outcomeName(eventType string) string {
	switch eventType {
	case eventbus.TypeJobDone:
		return "done"
	case eventbus.TypeJobRetrying:
		return "retrying"
	case eventbus.TypeJobFailed:
		return "failed"
	case eventbus.TypeJobDeferred:
		return "deferred"
	default:
		return eventType
	}
}
