// Package kafkatest публикатор в памяти для тестов
package kafkatest

import (
	"context"
	"sync"

	"github.com/Dhoini/billing-sync/internal/kafka"
)

// Publisher запоминает опубликованные сообщения.
// Пока Err не nil, Publish возвращает его и ничего не сохраняет.
type Publisher struct {
	mu       sync.Mutex
	messages []kafka.Message
	Err      error
}

func (p *Publisher) Publish(ctx context.Context, msg kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *Publisher) Close() error { return nil }

// SetErr меняет ошибку публикации
func (p *Publisher) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Messages сообщения в порядке публикации, опционально только для topic
func (p *Publisher) Messages(topic string) []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []kafka.Message
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
