package dataset

import "sync"

type completedTask[T any] struct {
	Result T
	Error  error
}

// runInPool drains queue with up to maxWorkers goroutines and closes
// completed once every task has been handled.
func runInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan completedTask[Out], maxWorkers int) {
	workers := max(min(len(queue), maxWorkers), 1)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- completedTask[Out]{Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
