package engine

import "sync/atomic"

// Job runs one batch of transfers on its own goroutine, standing in for a
// DMA channel. Backends keep a Job by value next to their Batch and call
// Status from Poll.
//
// Start and Status must be serialized by the owner's lock.
type Job struct {
	done     chan struct{}
	draining atomic.Bool
	err      error
}

// Start calls send for items 0..n-1 in order, stopping at the first
// error. The job reports Draining once the last item is handed over.
func (j *Job) Start(n int, send func(i int) error) {
	done := make(chan struct{})
	j.done = done
	j.err = nil
	j.draining.Store(n <= 1)
	go func() {
		var err error
		for i := 0; i < n && err == nil; i++ {
			if i == n-1 {
				j.draining.Store(true)
			}
			err = send(i)
		}
		j.err = err
		close(done)
	}()
}

// Status reports progress without blocking. Completion is reported once,
// as Ready or Error; after that the job is idle and reports Ready.
func (j *Job) Status() (State, error) {
	if j.done == nil {
		return Ready, nil
	}
	select {
	case <-j.done:
		j.done = nil
		if j.err != nil {
			return Error, j.err
		}
		return Ready, nil
	default:
	}
	if j.draining.Load() {
		return Draining, nil
	}
	return Busy, nil
}
