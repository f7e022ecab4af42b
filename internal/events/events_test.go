package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChanEmitterDeliversEvent(t *testing.T) {
	e := NewChanEmitter(1)
	ev := Event{Kind: KindMessageNew, Payload: MessagePayload{ChatID: "c1", MessageID: "m1"}}
	e.Emit(ev)

	got := <-e.C()
	require.Equal(t, ev, got)
}

func TestChanEmitterDropsWhenFull(t *testing.T) {
	e := NewChanEmitter(1)
	e.Emit(Event{Kind: KindSystemEvent, Payload: SystemEventPayload{Message: "first"}})
	// The buffer is now full; this second emit must be dropped, not block.
	e.Emit(Event{Kind: KindSystemEvent, Payload: SystemEventPayload{Message: "second"}})

	got := <-e.C()
	require.Equal(t, "first", got.Payload.(SystemEventPayload).Message)

	select {
	case <-e.C():
		t.Fatal("expected no second event, channel should be empty")
	default:
	}
}

func TestNoopEmitterDiscards(t *testing.T) {
	var e Emitter = NoopEmitter{}
	require.NotPanics(t, func() {
		e.Emit(Event{Kind: KindTypingUpdate})
	})
}

func TestRecordingEmitterKeepsAll(t *testing.T) {
	r := &RecordingEmitter{}
	var e Emitter = r
	e.Emit(Event{Kind: KindMessageNew})
	e.Emit(Event{Kind: KindMlsMessageNew})

	require.Len(t, r.Events, 2)
	require.Equal(t, KindMessageNew, r.Events[0].Kind)
	require.Equal(t, KindMlsMessageNew, r.Events[1].Kind)
}
