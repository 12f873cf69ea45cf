package engine

import (
	"testing"
	"time"

	"github.com/hongbietcode/ccengine/pkg/models"
)

func TestDispatcherTaskFanout(t *testing.T) {
	d := NewDispatcher(nil)
	ch1 := d.SubscribeTask("t1")
	ch2 := d.SubscribeTask("t1")
	other := d.SubscribeTask("t2")

	d.Publish(models.StreamEvent{Type: models.EventContentDelta, TaskID: "t1", Delta: "x"})

	for i, ch := range []chan models.StreamEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Delta != "x" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
	select {
	case ev := <-other:
		t.Errorf("wrong-task subscriber got %+v", ev)
	default:
	}
}

func TestDispatcherUnsubscribeClosesChannel(t *testing.T) {
	d := NewDispatcher(nil)
	ch := d.SubscribeTask("t1")
	d.UnsubscribeTask("t1", ch)
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Double unsubscribe must not panic on the closed channel.
	d.UnsubscribeTask("t1", ch)
	d.Publish(models.StreamEvent{Type: models.EventContentDelta, TaskID: "t1"})
}

func TestDispatcherSlowSubscriberDoesNotBlock(t *testing.T) {
	d := NewDispatcher(nil)
	ch := d.SubscribeTask("t1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < models.DefaultEventChannelBuffer+10; i++ {
			d.Publish(models.StreamEvent{Type: models.EventContentDelta, TaskID: "t1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	d.UnsubscribeTask("t1", ch)
}

func TestDispatcherStatusFanout(t *testing.T) {
	d := NewDispatcher(nil)
	ch := d.SubscribeStatus()
	defer d.UnsubscribeStatus(ch)

	d.PublishStatus(models.StatusChange{TaskID: "t1", NewStatus: models.StatusRunning})
	select {
	case sc := <-ch:
		if sc.TaskID != "t1" || sc.NewStatus != models.StatusRunning {
			t.Errorf("got %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no status change received")
	}
}
