// Package testutil holds the fake collaborators service tests share:
// deterministic stand-ins for the model providers and the broker.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// FakeLLM returns canned responses in order, then repeats the last one.
// Set Err to fail every call instead.
type FakeLLM struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     []string
}

func (f *FakeLLM) Generate(ctx context.Context, prompt, schema string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, prompt)
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.Responses) == 0 {
		return "", nil
	}
	resp := f.Responses[0]
	if len(f.Responses) > 1 {
		f.Responses = f.Responses[1:]
	}
	return resp, nil
}

// CallCount returns how many prompts the fake has seen.
func (f *FakeLLM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeEmbedder returns a fixed-dimension vector derived from text length,
// so identical texts embed identically.
type FakeEmbedder struct {
	Dim int
	Err error
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}

	dim := f.Dim
	if dim == 0 {
		dim = 8
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(len(t)%(j+2)) / float32(dim)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// FakeReranker reverses the candidate order, which makes rerank effects
// visible in assertions. Set Err to fail instead.
type FakeReranker struct {
	Err error
}

func (f *FakeReranker) Rerank(ctx context.Context, query string, docs []string, topN int) ([]ports.RerankResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}

	if topN > len(docs) {
		topN = len(docs)
	}
	out := make([]ports.RerankResult, topN)
	for i := 0; i < topN; i++ {
		out[i] = ports.RerankResult{
			Index:     topN - 1 - i,
			Relevance: 1.0 - float64(i)*0.05,
		}
	}
	return out, nil
}

// FakeOcrProvider returns preloaded chunk results keyed by call order.
type FakeOcrProvider struct {
	mu      sync.Mutex
	Results []*document.ChunkOCRResult
	Err     error
	calls   int
}

func (f *FakeOcrProvider) Process(ctx context.Context, pdfBytes []byte) (*document.ChunkOCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	if f.calls >= len(f.Results) {
		return &document.ChunkOCRResult{}, nil
	}
	res := f.Results[f.calls]
	f.calls++
	return res, nil
}

// FakeBroker is an in-memory ports.Broker capturing published events and
// queued payloads for assertions.
type FakeBroker struct {
	mu        sync.Mutex
	Published map[string][]ports.Event
	Queues    map[string][][]byte
	subs      map[string][]chan ports.Event
	Err       error
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		Published: make(map[string][]ports.Event),
		Queues:    make(map[string][][]byte),
		subs:      make(map[string][]chan ports.Event),
	}
}

func (b *FakeBroker) Publish(ctx context.Context, channel string, event ports.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	b.Published[channel] = append(b.Published[channel], event)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *FakeBroker) Subscribe(ctx context.Context, channel string) (<-chan ports.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ports.Event, 64)
	b.subs[channel] = append(b.subs[channel], ch)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs[channel] {
			if c == ch {
				b.subs[channel] = append(b.subs[channel][:i], b.subs[channel][i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, nil
}

func (b *FakeBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	b.Queues[queue] = append(b.Queues[queue], payload)
	return nil
}

func (b *FakeBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.Queues[queue]
	if len(items) == 0 {
		return nil, nil
	}
	b.Queues[queue] = items[1:]
	return items[0], nil
}

// EventsOn returns the events published on a channel so far.
func (b *FakeBroker) EventsOn(channel string) []ports.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.Event, len(b.Published[channel]))
	copy(out, b.Published[channel])
	return out
}
