package chat

import (
	"sort"

	"github.com/npezzotti/go-chatfanout/internal/pubsub"
)

// firstSeqId is the seq_id of the first message of every container.
const firstSeqId = 1

// sequencer releases the sequenced events of one container in seq_id order. It is owned
// by a single lane goroutine and is not safe for concurrent use.
type sequencer struct {
	// next is the seq_id expected next, zero while the starting point is unknown
	next    int
	pending map[int]pubsub.Event
	// deletes are held until the message they remove has been released
	deletes map[int]pubsub.Event
}

func newSequencer(next int) *sequencer {
	return &sequencer{
		next:    next,
		pending: make(map[int]pubsub.Event),
		deletes: make(map[int]pubsub.Event),
	}
}

// push accepts ev and returns the events that can now be released, in order. With an
// unknown starting point events are held until seq_id 1 arrives, resume is called, or
// the gap is flushed.
func (s *sequencer) push(ev pubsub.Event) []pubsub.Event {
	if s.next == 0 && ev.SeqId == firstSeqId {
		s.next = firstSeqId
	}

	if s.next != 0 && ev.SeqId < s.next {
		// arrived after its gap was given up on
		return s.emit(nil, ev)
	}

	s.pending[ev.SeqId] = ev
	return s.drain()
}

// resume fixes an unknown starting point at next. Held events below next are released
// first, in order, as late arrivals.
func (s *sequencer) resume(next int) []pubsub.Event {
	if s.next != 0 || next <= 0 {
		return nil
	}
	s.next = next

	var ready []pubsub.Event
	for _, seq := range s.pendingSeqs() {
		if seq >= next {
			break
		}
		ready = s.emit(ready, s.pending[seq])
		delete(s.pending, seq)
	}
	return append(ready, s.drain()...)
}

// hold keeps a delete back while the message it removes is still waiting to be released.
func (s *sequencer) hold(ev pubsub.Event) bool {
	if ev.Type != pubsub.EventMessageDeleted {
		return false
	}

	for _, p := range s.pending {
		if p.MessageId == ev.MessageId && p.Type == pubsub.EventMessageCreated {
			s.deletes[ev.MessageId] = ev
			return true
		}
	}
	return false
}

func (s *sequencer) drain() []pubsub.Event {
	if s.next == 0 {
		return nil
	}

	var ready []pubsub.Event
	for {
		next, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		ready = s.emit(ready, next)
		s.next++
	}
	return ready
}

// emit appends ev and any delete held behind it.
func (s *sequencer) emit(ready []pubsub.Event, ev pubsub.Event) []pubsub.Event {
	ready = append(ready, ev)
	if del, ok := s.deletes[ev.MessageId]; ok && ev.MessageId != 0 {
		delete(s.deletes, ev.MessageId)
		ready = append(ready, del)
	}
	return ready
}

func (s *sequencer) pendingSeqs() []int {
	seqs := make([]int, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

// waiting reports whether events are held back behind a gap.
func (s *sequencer) waiting() bool {
	return len(s.pending) > 0
}

// flush gives up on every gap, releasing the held events in order. It returns the
// events and how many sequence numbers were skipped. Nothing before the first held
// event counts as skipped when the starting point was unknown.
func (s *sequencer) flush() ([]pubsub.Event, int) {
	if len(s.pending) == 0 {
		return nil, 0
	}

	seqs := s.pendingSeqs()

	skipped := 0
	if s.next != 0 {
		skipped = seqs[0] - s.next
	}

	var ready []pubsub.Event
	for i, seq := range seqs {
		ready = s.emit(ready, s.pending[seq])
		if i > 0 {
			skipped += seq - seqs[i-1] - 1
		}
		delete(s.pending, seq)
	}
	s.next = seqs[len(seqs)-1] + 1

	return ready, skipped
}
