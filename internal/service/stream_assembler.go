package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/llm"
)

// StreamState es el estado de un stream de respuesta.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamStreaming
	StreamCompleted
	StreamAborted
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamStreaming:
		return "streaming"
	case StreamCompleted:
		return "completed"
	case StreamAborted:
		return "aborted"
	case StreamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal indica si no pueden llegar más deltas.
func (s StreamState) Terminal() bool {
	return s == StreamCompleted || s == StreamAborted || s == StreamFailed
}

var ErrConcurrentStream = errors.New("concurrent stream violation")

// StreamError conserva el texto parcial recibido antes de la falla.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// StreamResult es el resultado terminal de un stream.
type StreamResult struct {
	Text  string
	State StreamState
}

// StreamAssembler pliega los deltas del backend en un único texto, un stream por mensaje destino.
type StreamAssembler struct {
	client llm.StreamClient
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewStreamAssembler(client llm.StreamClient, logger *zap.Logger) *StreamAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamAssembler{
		client: client,
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Active indica si hay un stream en curso para el mensaje.
func (a *StreamAssembler) Active(targetID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[targetID]
	return ok
}

// Start consume el stream y llama onDelta por cada fragmento, en orden de llegada,
// antes de pedir el siguiente. Cancelar ctx aborta: no hay más onDelta y se devuelve
// el texto acumulado sin error. Un error de transporte devuelve *StreamError con el parcial.
func (a *StreamAssembler) Start(ctx context.Context, targetID string, req llm.ChatRequest, onDelta func(string)) (StreamResult, error) {
	if a == nil || a.client == nil {
		return StreamResult{State: StreamFailed}, &StreamError{Err: errors.New("stream assembler not configured")}
	}
	a.mu.Lock()
	if _, busy := a.active[targetID]; busy {
		a.mu.Unlock()
		return StreamResult{State: StreamIdle}, ErrConcurrentStream
	}
	a.active[targetID] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.active, targetID)
		a.mu.Unlock()
	}()

	var text strings.Builder
	aborted := func() (StreamResult, error) {
		a.logger.Info("stream aborted", zap.String("target_id", targetID), zap.Int("chars", text.Len()))
		return StreamResult{Text: text.String(), State: StreamAborted}, nil
	}

	stream, err := a.client.Stream(ctx, req)
	if ctx.Err() != nil {
		if stream != nil {
			stream.Close()
		}
		return aborted()
	}
	if err != nil {
		a.logger.Warn("stream open failed", zap.String("target_id", targetID), zap.Error(err))
		return StreamResult{State: StreamFailed}, &StreamError{Err: err}
	}
	defer stream.Close()

	for {
		delta, err := stream.Next()
		// el abort se observa entre lecturas; un delta recibido después no se aplica
		if ctx.Err() != nil {
			return aborted()
		}
		if errors.Is(err, io.EOF) {
			return StreamResult{Text: text.String(), State: StreamCompleted}, nil
		}
		if err != nil {
			a.logger.Warn("stream failed", zap.String("target_id", targetID), zap.Error(err))
			return StreamResult{Text: text.String(), State: StreamFailed}, &StreamError{Partial: text.String(), Err: err}
		}
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
}
