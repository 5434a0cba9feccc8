package repository

import (
	"context"
	"sync"
)

// Notifier es el canal de cambios que despierta a las suscripciones del store remoto.
// Las señales no llevan datos: el suscriptor siempre relee el snapshot completo.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe devuelve un canal que se cierra cuando ctx termina.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
}

func conversationsTopic(userID string) string {
	return "users/" + userID + "/conversations"
}

func messagesTopic(userID, conversationID string) string {
	return "users/" + userID + "/conversations/" + conversationID + "/messages"
}

type memoryNotifier struct {
	mu      sync.RWMutex
	clients map[string]map[chan struct{}]struct{}
}

// NewMemoryNotifier reparte señales entre suscriptores del mismo proceso.
func NewMemoryNotifier() Notifier {
	return &memoryNotifier{clients: make(map[string]map[chan struct{}]struct{})}
}

func (n *memoryNotifier) Publish(_ context.Context, topic string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.clients[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// ya hay una señal pendiente; el suscriptor releerá todo igualmente
		}
	}
	return nil
}

func (n *memoryNotifier) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.clients[topic] == nil {
		n.clients[topic] = make(map[chan struct{}]struct{})
	}
	n.clients[topic][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if clients, ok := n.clients[topic]; ok {
			delete(clients, ch)
			if len(clients) == 0 {
				delete(n.clients, topic)
			}
		}
		close(ch)
	}()

	return ch, nil
}

// subscriberCount se usa en tests para verificar la limpieza.
func (n *memoryNotifier) subscriberCount(topic string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients[topic])
}
