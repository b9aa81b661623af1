package worker

import "sync"

// Pool fans work out to goroutines, never more than its size at once.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) Size() int { return cap(p.sem) }

// Batch runs fn(0..n-1) concurrently and returns once all calls are done.
// When n <= Size every call is started before Batch begins waiting.
func (p *Pool) Batch(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.sem <- struct{}{}
		go func(i int) {
			defer func() { <-p.sem; wg.Done() }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
