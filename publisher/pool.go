package publisher

import (
	"hash/fnv"
	"sync"
	"time"

	"task-pipeline/domain"
)

type publishJob struct {
	env  domain.Envelope
	body []byte
}

// pool runs publish jobs on a fixed set of workers. Jobs for one subject
// always land on the same worker so their relative order is kept.
type pool struct {
	shards  []chan publishJob
	handoff time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

func newPool(workers, buffer int, handoff time.Duration, run func(worker int, j publishJob)) *pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	p := &pool{shards: make([]chan publishJob, workers), handoff: handoff}
	for i := range p.shards {
		ch := make(chan publishJob, buffer)
		p.shards[i] = ch
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for j := range ch {
				run(id, j)
			}
		}(i)
	}
	return p
}

func (p *pool) shardFor(userID string) chan publishJob {
	if len(p.shards) == 1 {
		return p.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// offer hands j to its shard only if there is room right now.
func (p *pool) offer(j publishJob) bool {
	ok, _ := trySendNonBlocking(p.shardFor(j.env.UserID), j)
	return ok
}

// tryEnqueue never blocks longer than the handoff timeout.
func (p *pool) tryEnqueue(j publishJob) bool {
	ch := p.shardFor(j.env.UserID)

	if ok, closed := trySendNonBlocking(ch, j); closed {
		return false
	} else if ok {
		return true
	}

	if p.handoff <= 0 {
		return false
	}

	timer := time.NewTimer(p.handoff)
	defer timer.Stop()

	ok, closed := sendWithTimer(ch, j, timer.C)
	if closed {
		return false
	}
	return ok
}

// close stops accepting jobs and waits for queued ones to finish.
func (p *pool) close() {
	p.once.Do(func() {
		for _, ch := range p.shards {
			close(ch)
		}
	})
	p.wg.Wait()
}

func trySendNonBlocking(ch chan publishJob, j publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- j:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, j publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- j:
		return true, false
	case <-timer:
		return false, false
	}
}
