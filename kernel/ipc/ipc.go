// Package ipc implements the per-process message queue processes use to
// pass small, fixed-size messages to each other without going through the
// filesystem or shared memory.
package ipc

// Message is the fixed-shape payload carried by a single IPC send. Keeping
// it four plain words (rather than a variable-length buffer) means sending
// a message never needs a heap allocation or a copy across address spaces;
// the sender and receiver agree out of band on how to interpret the words.
type Message struct {
	W0, W1, W2, W3 uint32
}

// Packet associates a received Message with the process that sent it.
type Packet struct {
	From    uint32
	Message Message
}

type enqueued struct {
	packet          Packet
	expirationTicks uint32
}

// Queue is the inbound message queue attached to a single process. Entries
// are expired lazily: rather than walking every process' queue on every
// tick, a queue only prunes entries older than the caller-supplied current
// tick when it is actually touched by Add or Read.
type Queue struct {
	entries []enqueued
}

// Add appends a message from the process identified by from, expiring at
// expirationTicks if never read before then.
func (q *Queue) Add(from uint32, msg Message, currentTicks, expirationTicks uint32) {
	q.removeExpired(currentTicks)
	q.entries = append(q.entries, enqueued{
		packet:          Packet{From: from, Message: msg},
		expirationTicks: expirationTicks,
	})
}

// Read pops the oldest unexpired packet, if any, and reports whether
// further packets remain after it.
func (q *Queue) Read(currentTicks uint32) (*Packet, bool) {
	q.removeExpired(currentTicks)
	if len(q.entries) == 0 {
		return nil, false
	}

	packet := q.entries[0].packet
	q.entries = q.entries[1:]
	return &packet, len(q.entries) > 0
}

// removeExpired drops entries from the front of the queue whose expiration
// has passed, stopping at the first entry that hasn't. A message with a
// shorter expiration enqueued behind one with a longer expiration will not
// be pruned until the entries ahead of it are read or expire themselves.
func (q *Queue) removeExpired(currentTicks uint32) {
	i := 0
	for i < len(q.entries) && q.entries[i].expirationTicks <= currentTicks {
		i++
	}
	q.entries = q.entries[i:]
}
