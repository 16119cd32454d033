package ai

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// MockChatModel is a scripted ChatModel for tests. Replies are consumed
// in order and repeat the last entry when exhausted.
type MockChatModel struct {
	Replies []string
	Err     error
	// TokenDelay inserts a pause before each streamed fragment so tests
	// can exercise cancellation and watchdog paths.
	TokenDelay time.Duration

	mu    sync.Mutex
	next  int
	calls [][]Message
}

func (m *MockChatModel) Generate(ctx context.Context, history []Message, onToken func(string) error) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]Message(nil), history...))
	reply := "ok"
	if len(m.Replies) > 0 {
		if m.next < len(m.Replies) {
			reply = m.Replies[m.next]
		} else {
			reply = m.Replies[len(m.Replies)-1]
		}
		m.next++
	}
	delay := m.TokenDelay
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	if onToken != nil {
		const fragment = 8
		for start := 0; start < len(reply); start += fragment {
			if delay > 0 {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(delay):
				}
			} else if ctx.Err() != nil {
				return "", ctx.Err()
			}
			end := start + fragment
			if end > len(reply) {
				end = len(reply)
			}
			if err := onToken(reply[start:end]); err != nil {
				return "", err
			}
		}
	}
	return reply, nil
}

// Calls returns a copy of every history Generate has seen.
func (m *MockChatModel) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.calls...)
}

// MockEmbedder returns deterministic unit vectors derived from the text,
// so equal texts embed equally and similarity ordering is stable.
type MockEmbedder struct {
	Dim int // defaults to 8
	Err error

	mu    sync.Mutex
	calls [][]string
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), texts...))
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dim := m.Dim
	if dim <= 0 {
		dim = 8
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, dim)
	}
	return out, nil
}

// Calls returns a copy of every batch Embed has seen.
func (m *MockEmbedder) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for j := 0; j < dim; j++ {
		h := fnv.New32a()
		h.Write([]byte(text))
		h.Write([]byte{byte(j)})
		v[j] = float32(h.Sum32()%1000) + 1
		norm += float64(v[j]) * float64(v[j])
	}
	scale := float32(1 / math.Sqrt(norm))
	for j := range v {
		v[j] *= scale
	}
	return v
}

// MockSpeech records synthesis calls and returns marker bytes.
type MockSpeech struct {
	Err error

	mu    sync.Mutex
	calls []string
}

func (m *MockSpeech) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, voiceID+": "+text)
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []byte("mp3:" + text), nil
}

// Calls returns "voiceID: text" per synthesis in order.
func (m *MockSpeech) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
