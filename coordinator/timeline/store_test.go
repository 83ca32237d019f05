package timeline

import (
	"fmt"
	"testing"

	"github.com/4ier/retire-cluster/coordinator/store"
)

func TestRecordAndQuery(t *testing.T) {
	s := NewStore(100)
	s.Record(Event{TaskID: "t1", Stage: StageQueued})
	s.Record(Event{TaskID: "t2", Stage: StageQueued})
	s.Record(Event{TaskID: "t1", Stage: StageAssigned, DeviceID: "w1"})

	events := s.EventsForTask("t1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(events))
	}
	if events[0].Stage != StageQueued || events[1].Stage != StageAssigned {
		t.Errorf("events out of order: %+v", events)
	}
	if events[0].EventID == "" || events[0].Timestamp.IsZero() {
		t.Errorf("event id or timestamp not filled in")
	}
}

func TestWindowBound(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 10; i++ {
		s.Record(Event{TaskID: fmt.Sprintf("t%d", i), Stage: StageQueued})
	}
	recent := s.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("window not trimmed: %d", len(recent))
	}
	if recent[0].TaskID != "t5" || recent[4].TaskID != "t9" {
		t.Errorf("wrong events survived the trim: %+v", recent)
	}
}

func TestSinkFanOut(t *testing.T) {
	s := NewStore(10)
	var got []Event
	s.AddSink(func(e Event) { got = append(got, e) })

	s.Record(Event{TaskID: "t1", Stage: StageSucceeded})
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Errorf("sink not invoked: %+v", got)
	}
}

func TestDurableMirror(t *testing.T) {
	s := NewStore(10)
	durable := store.NewMemoryStore()
	s.SetDurable(durable)

	s.Record(Event{TaskID: "t1", Stage: StageFailed, DeviceID: "w1"})

	events := durable.Events()
	if len(events) != 1 {
		t.Fatalf("durable log not written")
	}
	if events[0].TaskID != "t1" || events[0].Stage != StageFailed || events[0].DeviceID != "w1" {
		t.Errorf("durable event mismatch: %+v", events[0])
	}
}
