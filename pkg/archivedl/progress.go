// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

// terminalEvents are always delivered even if the consumer is slow;
// everything else may be coalesced (dropped) under backpressure (§4.10).
var terminalEvents = map[string]bool{
	"file_done": true, "done": true, "error": true, "cancelled": true,
}

const progressChannelBuffer = 64

// progressChannel decouples producers (C9/C8) from a caller's ProgressFunc:
// interior events are delivered best-effort (dropped when the consumer
// cannot keep up), terminal events always arrive. It runs its own goroutine
// for the lifetime of one Download call.
type progressChannel struct {
	events chan ProgressEvent
	done   chan struct{}
}

func newProgressChannel(sink ProgressFunc) *progressChannel {
	pc := &progressChannel{
		events: make(chan ProgressEvent, progressChannelBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(pc.done)
		for ev := range pc.events {
			if sink != nil {
				sink(ev)
			}
		}
	}()
	return pc
}

// Emit delivers ev, coalescing (non-blocking, drop-on-full) for interior
// events and blocking until accepted for terminal ones.
func (pc *progressChannel) Emit(ev ProgressEvent) {
	if terminalEvents[ev.Event] {
		pc.events <- ev
		return
	}
	select {
	case pc.events <- ev:
	default:
		// Consumer is behind; this interior event is coalesced away.
	}
}

// Close stops accepting further events and waits for the drain goroutine
// to finish delivering whatever was already queued.
func (pc *progressChannel) Close() {
	close(pc.events)
	<-pc.done
}

// AsFunc adapts the channel to a plain ProgressFunc for components that
// only know how to call a function.
func (pc *progressChannel) AsFunc() ProgressFunc {
	return pc.Emit
}
