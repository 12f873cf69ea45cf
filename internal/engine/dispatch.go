package engine

import (
	"log/slog"
	"sync"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// Dispatcher fans out stream events to per-task subscribers and status
// changes to global subscribers. Sends never block: a subscriber whose
// channel is full misses the event, which keeps a stalled consumer from
// backing up a live run.
type Dispatcher struct {
	mu         sync.Mutex
	taskSubs   map[string]map[chan models.StreamEvent]struct{}
	statusSubs map[chan models.StatusChange]struct{}
	logger     *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		taskSubs:   make(map[string]map[chan models.StreamEvent]struct{}),
		statusSubs: make(map[chan models.StatusChange]struct{}),
		logger:     logger,
	}
}

// SubscribeTask returns a channel that receives the task's stream events
// until UnsubscribeTask is called.
func (d *Dispatcher) SubscribeTask(taskID string) chan models.StreamEvent {
	ch := make(chan models.StreamEvent, models.DefaultEventChannelBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.taskSubs[taskID]
	if subs == nil {
		subs = make(map[chan models.StreamEvent]struct{})
		d.taskSubs[taskID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

func (d *Dispatcher) UnsubscribeTask(taskID string, ch chan models.StreamEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.taskSubs[taskID]
	if subs == nil {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(d.taskSubs, taskID)
	}
	close(ch)
}

// SubscribeStatus returns a channel that receives every task status change.
func (d *Dispatcher) SubscribeStatus() chan models.StatusChange {
	ch := make(chan models.StatusChange, models.DefaultEventChannelBuffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statusSubs[ch] = struct{}{}
	return ch
}

func (d *Dispatcher) UnsubscribeStatus(ch chan models.StatusChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.statusSubs[ch]; !ok {
		return
	}
	delete(d.statusSubs, ch)
	close(ch)
}

// Publish delivers ev to every subscriber of its task.
func (d *Dispatcher) Publish(ev models.StreamEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.taskSubs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			d.logger.Debug("dropping stream event for slow subscriber", "taskId", ev.TaskID, "type", ev.Type)
		}
	}
}

// PublishStatus delivers a status change to all status subscribers.
func (d *Dispatcher) PublishStatus(change models.StatusChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.statusSubs {
		select {
		case ch <- change:
		default:
			d.logger.Debug("dropping status change for slow subscriber", "taskId", change.TaskID)
		}
	}
}
