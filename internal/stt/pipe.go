package stt

import "sync"

// resultPipe is the results channel of a stream plus an abort signal. The
// channel is closed exactly once by finish; producers must have stopped by then.
type resultPipe struct {
	ch        chan Result
	done      chan struct{}
	closeOnce sync.Once
	abortOnce sync.Once
}

func newResultPipe(size int) *resultPipe {
	return &resultPipe{ch: make(chan Result, size), done: make(chan struct{})}
}

// send blocks until the consumer takes r or the stream is aborted.
func (p *resultPipe) send(r Result) bool {
	select {
	case p.ch <- r:
		return true
	case <-p.done:
		return false
	}
}

// trySend drops r when the consumer is behind. Used for partials only.
func (p *resultPipe) trySend(r Result) bool {
	select {
	case p.ch <- r:
		return true
	default:
		return false
	}
}

func (p *resultPipe) aborted() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *resultPipe) abort()  { p.abortOnce.Do(func() { close(p.done) }) }
func (p *resultPipe) finish() { p.closeOnce.Do(func() { close(p.ch) }) }
