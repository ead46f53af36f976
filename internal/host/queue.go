package host

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// job is one submission. period > 0 makes it repeat until cancelled.
type job struct {
	task      Task
	async     bool
	period    uint64
	cancelled atomic.Bool
}

// delayed is an owner task waiting for its due tick
type delayed struct {
	due  uint64
	seq  uint64
	task *job
}

// delayHeap orders by due tick, then submission order
type delayHeap []delayed

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = delayed{}
	*h = old[:n-1]
	return x
}

// pending holds ready and delayed owner jobs under one lock
type pending struct {
	mu    sync.Mutex
	ready []*job
	later delayHeap
	seq   uint64
}

func (p *pending) push(j *job) {
	p.mu.Lock()
	p.ready = append(p.ready, j)
	p.mu.Unlock()
}

func (p *pending) schedule(j *job, due uint64) {
	p.mu.Lock()
	p.seq++
	heap.Push(&p.later, delayed{due: due, seq: p.seq, task: j})
	p.mu.Unlock()
}

// take moves jobs due at or before tick to the ready queue and returns the
// ready queue as it stands. Jobs queued while the batch runs wait for the
// next tick.
func (p *pending) take(tick uint64) []*job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.later.Len() > 0 && p.later[0].due <= tick {
		d := heap.Pop(&p.later).(delayed)
		p.ready = append(p.ready, d.task)
	}
	batch := p.ready
	p.ready = nil
	return batch
}

func (p *pending) depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready) + p.later.Len()
}
