package core

import (
	"context"
	"sync"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// Merge fans named record sequences into one tagged sequence.
//
// Items are forwarded as they become available, with one goroutine per input,
// so an idle or slow input never holds back another. Ordering holds only
// within a single input. The output closes once every input has closed, or
// after ctx ends or isStopped reports true and the in-flight sends are abandoned.
func Merge[K comparable, T any](ctx context.Context, inputs map[K]<-chan record.IndexedRecord[T], isStopped func() bool) <-chan record.MergedItem[K, T] {
	out := make(chan record.MergedItem[K, T])

	stopped := func() bool {
		return ctx.Err() != nil || (isStopped != nil && isStopped())
	}

	var wg sync.WaitGroup
	wg.Add(len(inputs))
	for key, in := range inputs {
		go func(key K, in <-chan record.IndexedRecord[T]) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec, ok := <-in:
					if !ok {
						return
					}
					if stopped() {
						return
					}
					select {
					case out <- record.MergedItem[K, T]{Source: key, Record: rec}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(key, in)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
