package repository

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscription entrega snapshots completos en orden. Cada snapshot reemplaza al
// anterior si el consumidor todavía no lo leyó, de modo que un lector lento solo
// pierde estados intermedios, nunca el último.
type Subscription[T any] struct {
	updates chan T
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Updates se cierra después de Close o cuando se cancela el contexto de la suscripción.
func (s *Subscription[T]) Updates() <-chan T {
	return s.updates
}

// Close cancela la suscripción y espera a que termine el goroutine de entrega.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Subscription[T]) push(v T) {
	select {
	case s.updates <- v:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- v
}

// watch se suscribe al topic antes de la primera carga para no perder cambios
// ocurridos entre ambas, y recarga el snapshot con cada señal.
func watch[T any](
	ctx context.Context,
	notifier Notifier,
	topic string,
	load func(context.Context) (T, error),
	logger *zap.Logger,
) (*Subscription[T], error) {
	subCtx, cancel := context.WithCancel(ctx)
	signals, err := notifier.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription[T]{
		updates: make(chan T, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.updates)

		reload := func() {
			v, err := load(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					logger.Warn("subscription reload failed", zap.String("topic", topic), zap.Error(err))
				}
				return
			}
			if subCtx.Err() != nil {
				return
			}
			sub.push(v)
		}

		reload()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				reload()
			}
		}
	}()

	return sub, nil
}
