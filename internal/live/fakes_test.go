package live

import (
	"context"
	"errors"
	"sync"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	events chan Event

	mu     sync.Mutex
	sent   []Chunk
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16), done: make(chan struct{})}
}

func (t *fakeTransport) Send(ctx context.Context, chunk Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.sent = append(t.sent, chunk)
	return nil
}

func (t *fakeTransport) Receive() (Event, error) {
	select {
	case ev := <-t.events:
		return ev, nil
	case <-t.done:
		return Event{}, errTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) Sent() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Chunk(nil), t.sent...)
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	block      chan struct{}
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, setup SetupConfig) (Transport, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type recordingSink struct {
	mu          sync.Mutex
	audio       []AudioChunk
	interrupts  [][]ScheduledSource
	transcript  []TranscriptEntry
	closedCount int
	cause       error
	notify      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) Audio(chunk AudioChunk) error {
	s.mu.Lock()
	s.audio = append(s.audio, chunk)
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *recordingSink) Interrupted(stopped []ScheduledSource) error {
	s.mu.Lock()
	s.interrupts = append(s.interrupts, stopped)
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *recordingSink) Transcript(entry TranscriptEntry) error {
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *recordingSink) Closed(cause error) {
	s.mu.Lock()
	s.closedCount++
	s.cause = cause
	s.mu.Unlock()
	s.poke()
}

func (s *recordingSink) snapshot() recordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordingSink{
		audio:       append([]AudioChunk(nil), s.audio...),
		interrupts:  append([][]ScheduledSource(nil), s.interrupts...),
		transcript:  append([]TranscriptEntry(nil), s.transcript...),
		closedCount: s.closedCount,
		cause:       s.cause,
	}
}
