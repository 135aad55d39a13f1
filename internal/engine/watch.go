package engine

import (
	"sync"

	"go.uber.org/zap"
)

// watch re-runs query after events of any of kinds and offers the result
// on a one-slot channel, replacing an unread value. Bursts collapse into
// one query; unchanged results are not re-sent.
func watch[T any](e *Engine, kinds []string, query func() (T, error), equal func(a, b T) bool) (<-chan T, func()) {
	out := make(chan T, 1)
	trigger := make(chan struct{}, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup

	var unsubs []func()
	for _, kind := range kinds {
		events, unsub := e.Bus.Subscribe(kind, 1)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-events:
					select {
					case trigger <- struct{}{}:
					default:
					}
				case <-done:
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		var (
			last T
			sent bool
		)
		emit := func() {
			v, err := query()
			if err != nil {
				e.Logger.Warn("observer query failed", zap.Error(err))
				return
			}
			if sent && equal(last, v) {
				return
			}
			last, sent = v, true
			offer(out, v)
		}

		emit()
		for {
			select {
			case <-trigger:
				emit()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
			close(done)
			wg.Wait()
		})
	}
}

// offer puts v in ch, dropping a stale unread value first.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
