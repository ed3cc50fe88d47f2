package utils

import "sync"

type CompletedTask[T any] struct {
	Result T
	Error  error
}

// RunInPool applies worker to every input using at most maxWorkers goroutines. Results
// are returned in input order.
func RunInPool[In any, Out any](worker func(In) (Out, error), inputs []In, maxWorkers int) []CompletedTask[Out] {
	completed := make([]CompletedTask[Out], len(inputs))

	queue := make(chan int)
	workers := max(1, min(len(inputs), maxWorkers))

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range queue {
				res, err := worker(inputs[i])
				completed[i] = CompletedTask[Out]{Result: res, Error: err}
			}
		}()
	}

	for i := range inputs {
		queue <- i
	}
	close(queue)
	wg.Wait()

	return completed
}
