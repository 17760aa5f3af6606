package bls

import (
	"github.com/gammazero/workerpool"
)

// Worker offloads pairing-heavy verification so the scheduler worker and the
// network handlers never run BLS math inline.
type Worker struct {
	wp *workerpool.WorkerPool
}

func NewWorker(size int) *Worker {
	if size <= 0 {
		size = 2
	}
	return &Worker{wp: workerpool.New(size)}
}

// Stop drains queued jobs and stops the pool.
func (w *Worker) Stop() { w.wp.StopWait() }

// VerifyAsync schedules Verify and delivers the result on the returned
// channel (buffered; the caller may drop it without leaking the goroutine).
func (w *Worker) VerifyAsync(pk, msg, sig []byte) <-chan bool {
	out := make(chan bool, 1)
	w.wp.Submit(func() { out <- Verify(pk, msg, sig) })
	return out
}

// VerifyShareAsync schedules a Feldman share check against a verification
// vector.
func (w *Worker) VerifyShareAsync(share []byte, index int, commitments [][]byte) <-chan bool {
	out := make(chan bool, 1)
	w.wp.Submit(func() {
		ok, err := VerifyShare(share, index, commitments)
		out <- ok && err == nil
	})
	return out
}

// AggregateVerifyAsync schedules an aggregate signature check.
func (w *Worker) AggregateVerifyAsync(pks [][]byte, msgs [][]byte, aggSig []byte) <-chan bool {
	out := make(chan bool, 1)
	w.wp.Submit(func() { out <- AggregateVerify(pks, msgs, aggSig) })
	return out
}
