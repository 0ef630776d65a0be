package chunker

import (
	"context"
	"io"
	"sync"
)

type pull struct {
	data []byte
	err  error
}

// fakeStream replays scripted pulls and reports io.EOF once they run out.
type fakeStream struct {
	pulls    []pull
	next     int
	calls    int
	releases int
	onPull   func(call int)
}

func newFakeStream(sizes ...int) *fakeStream {
	s := &fakeStream{}
	offset := 0
	for _, size := range sizes {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(offset + i)
		}
		offset += size
		s.pulls = append(s.pulls, pull{data: data})
	}
	return s
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	s.calls++
	if s.onPull != nil {
		s.onPull(s.calls)
	}
	if s.next >= len(s.pulls) {
		return nil, io.EOF
	}
	p := s.pulls[s.next]
	s.next++
	return p.data, p.err
}

func (s *fakeStream) Release() error {
	s.releases++
	return nil
}

// fakeBudget has capacity while reserved bytes stay below limit. A zero limit means unlimited.
type fakeBudget struct {
	limit    int64
	reserved int64
	noRoom   bool
}

func (b *fakeBudget) HasCapacity() bool {
	if b.noRoom {
		return false
	}
	return b.limit == 0 || b.reserved < b.limit
}

func (b *fakeBudget) Reserve(n int64) {
	b.reserved += n
}

func (b *fakeBudget) InUse() int64 {
	return b.reserved
}

type submittedPart struct {
	number  int
	payload []byte
}

type fakeDispatcher struct {
	mu    sync.Mutex
	parts []submittedPart
}

func (d *fakeDispatcher) Submit(number int, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts = append(d.parts, submittedPart{number: number, payload: payload})
}

func (d *fakeDispatcher) ActiveUploads() int64 {
	return 0
}

func (d *fakeDispatcher) BytesSent() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sent int64
	for _, p := range d.parts {
		sent += int64(len(p.payload))
	}
	return sent
}

func (d *fakeDispatcher) sizes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sizes := make([]int, 0, len(d.parts))
	for _, p := range d.parts {
		sizes = append(sizes, len(p.payload))
	}
	return sizes
}

func (d *fakeDispatcher) numbers() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	numbers := make([]int, 0, len(d.parts))
	for _, p := range d.parts {
		numbers = append(numbers, p.number)
	}
	return numbers
}

type fakeSignal struct {
	canceled bool
	causes   []error
}

func (s *fakeSignal) IsCanceled() bool {
	return s.canceled
}

func (s *fakeSignal) Trigger(cause error) {
	s.causes = append(s.causes, cause)
	s.canceled = true
}
