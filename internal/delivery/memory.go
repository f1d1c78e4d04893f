package delivery

import (
	"context"
	"sync"
)

type SentMessage struct {
	Message   Message
	Recipient string
}

// MemoryBackend records messages in its own outbox instead of sending them.
type MemoryBackend struct {
	mu     sync.Mutex
	outbox []SentMessage
	err    error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Send(ctx context.Context, message Message, recipient string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.outbox = append(b.outbox, SentMessage{Message: message, Recipient: recipient})
	return nil
}

// FailWith makes subsequent sends return err; nil restores delivery.
func (b *MemoryBackend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *MemoryBackend) Messages() []SentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SentMessage, len(b.outbox))
	copy(out, b.outbox)
	return out
}

func (b *MemoryBackend) Last() (SentMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbox) == 0 {
		return SentMessage{}, false
	}
	return b.outbox[len(b.outbox)-1], true
}

func (b *MemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = nil
}
