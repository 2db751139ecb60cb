package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/domain/session"
	"github.com/matterdock/matterdock-backend/internal/ports"
	"github.com/matterdock/matterdock-backend/internal/service/guard"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

type fakeEngine struct {
	name   string
	out    *EngineOutput
	err    error
	delay  time.Duration
	called bool
	mu     sync.Mutex
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Run(ctx context.Context, scope matter.Scope, queryText string, sess *session.Session) (*EngineOutput, error) {
	e.mu.Lock()
	e.called = true
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.out, nil
}

type fakeSessions struct {
	mu    sync.Mutex
	saved *session.Session
	saves int
}

func (f *fakeSessions) Load(ctx context.Context, scope matter.Scope) *session.Session {
	return session.Fresh(scope.MatterID, scope.UserID)
}

func (f *fakeSessions) Save(ctx context.Context, scope matter.Scope, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = sess
	f.saves++
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	stored map[string]*query.CachedQueryResult
}

func newFakeCache() *fakeCache {
	return &fakeCache{stored: make(map[string]*query.CachedQueryResult)}
}

func (f *fakeCache) Lookup(ctx context.Context, scope matter.Scope, queryText string, params map[string]string) (*query.CachedQueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[query.Fingerprint(queryText, params)], nil
}

func (f *fakeCache) Store(ctx context.Context, scope matter.Scope, queryText string, params map[string]string, result *query.CachedQueryResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[query.Fingerprint(queryText, params)] = result
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*query.HistoryEntry
}

func (f *fakeHistory) RecordQuery(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func testScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func docSource(name string, page int) SourceRef {
	return SourceRef{DocumentID: uuid.New(), DocumentName: name, PageNumber: &page}
}

func drain(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

const answer = "The notice was served on 3 April 2021 and the reply arrived in May."

func newOrchestrator(t *testing.T, engines []Engine, llm *testutil.FakeLLM, sessions *fakeSessions, cache *fakeCache, history *fakeHistory, broker *testutil.FakeBroker) *Orchestrator {
	t.Helper()
	var c ResultCache
	if cache != nil {
		c = cache
	}
	var h HistoryRecorder
	if history != nil {
		h = history
	}
	var b ports.Broker
	if broker != nil {
		b = broker
	}
	o := New(guard.New(zaptest.NewLogger(t)), engines, llm, sessions, c, h, b, zaptest.NewLogger(t))
	return o.WithTokenDelay(time.Microsecond)
}

func TestStream_OrderedEvents(t *testing.T) {
	src := docSource("notice.pdf", 3)
	engines := []Engine{
		&fakeEngine{name: "timeline", out: &EngineOutput{Summary: "notice served 3 April 2021", Findings: 1, Confidence: 90, Sources: []SourceRef{src}}},
		&fakeEngine{name: "search", out: &EngineOutput{Summary: "reply received in May", Findings: 2, Confidence: 80}},
	}
	sessions := &fakeSessions{}
	history := &fakeHistory{}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, sessions, nil, history, nil)
	scope := testScope(t)

	events := drain(o.Stream(context.Background(), scope, "when was the notice served"))
	require.NotEmpty(t, events)

	assert.Equal(t, EventTyping, events[0].Type)
	assert.Equal(t, EventEngineComplete, events[1].Type)
	assert.Equal(t, EventEngineComplete, events[2].Type)
	assert.Equal(t, EventSourceReference, events[3].Type)

	first := events[1].Data.(EngineTrace)
	assert.Equal(t, "timeline", first.Engine, "engine events keep registration order")
	assert.True(t, first.Success)
	assert.Equal(t, 1, first.FindingsCount)

	var tokens []Event
	for _, e := range events[4 : len(events)-1] {
		assert.Equal(t, EventToken, e.Type)
		tokens = append(tokens, e)
	}
	require.NotEmpty(t, tokens)
	last := tokens[len(tokens)-1].Data.(TokenData)
	assert.Equal(t, answer, last.Accumulated, "accumulator reconstructs the full response")

	final := events[len(events)-1]
	require.Equal(t, EventComplete, final.Type)
	completion := final.Data.(Completion)
	assert.Equal(t, answer, completion.Response)
	assert.Equal(t, 85.0, completion.Confidence)
	assert.Len(t, completion.Traces, 2)
	assert.Len(t, completion.Sources, 1)
	assert.NotEqual(t, uuid.Nil, completion.MessageID)

	// Post-stream persistence: two session messages and one history row.
	require.NotNil(t, sessions.saved)
	require.Len(t, sessions.saved.Messages, 2)
	assert.Equal(t, session.RoleUser, sessions.saved.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, sessions.saved.Messages[1].Role)
	require.Len(t, history.entries, 1)
	assert.Equal(t, []string{"timeline", "search"}, history.entries[0].EnginesUsed)
}

func TestStream_BlockedQuery(t *testing.T) {
	sessions := &fakeSessions{}
	o := newOrchestrator(t, nil, &testutil.FakeLLM{}, sessions, nil, nil, nil)

	events := drain(o.Stream(context.Background(), testScope(t), "will we win the case?"))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	data := events[0].Data.(ErrorData)
	assert.Equal(t, domainErrors.CodeQueryBlocked, data.Code)
	assert.Zero(t, sessions.saves, "blocked queries leave the session untouched")
}

func TestStream_EngineFailureDegrades(t *testing.T) {
	engines := []Engine{
		&fakeEngine{name: "timeline", err: fmt.Errorf("llm timeout")},
		&fakeEngine{name: "search", out: &EngineOutput{Summary: "found the notice", Findings: 1, Confidence: 70}},
	}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, &fakeSessions{}, nil, nil, nil)

	events := drain(o.Stream(context.Background(), testScope(t), "when was the notice served"))

	var traces []EngineTrace
	for _, e := range events {
		if e.Type == EventEngineComplete {
			traces = append(traces, e.Data.(EngineTrace))
		}
	}
	require.Len(t, traces, 2)
	assert.False(t, traces[0].Success)
	assert.Equal(t, "llm timeout", traces[0].Error)
	assert.True(t, traces[1].Success)

	assert.Equal(t, EventComplete, events[len(events)-1].Type, "one healthy engine still completes the stream")
}

func TestStream_AllEnginesFailed(t *testing.T) {
	engines := []Engine{
		&fakeEngine{name: "timeline", err: fmt.Errorf("down")},
		&fakeEngine{name: "search", err: fmt.Errorf("down")},
	}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{}, &fakeSessions{}, nil, nil, nil)

	events := drain(o.Stream(context.Background(), testScope(t), "when was the notice served"))
	final := events[len(events)-1]
	require.Equal(t, EventError, final.Type)
	assert.Equal(t, domainErrors.CodeStreamError, final.Data.(ErrorData).Code)
}

func TestStream_ComposerFailure(t *testing.T) {
	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Confidence: 70}}}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Err: fmt.Errorf("model down")}, &fakeSessions{}, nil, nil, nil)

	events := drain(o.Stream(context.Background(), testScope(t), "what does the agreement say"))
	final := events[len(events)-1]
	require.Equal(t, EventError, final.Type)
	assert.Equal(t, domainErrors.CodeStreamError, final.Data.(ErrorData).Code)
}

func TestStream_ResponseIsPoliced(t *testing.T) {
	raw := "The evidence conclusively proves the claim."
	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Confidence: 70}}}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{raw}}, &fakeSessions{}, nil, nil, nil)

	events := drain(o.Stream(context.Background(), testScope(t), "what does the evidence show"))
	completion := events[len(events)-1].Data.(Completion)
	assert.NotContains(t, completion.Response, "conclusively proves")
	assert.Contains(t, completion.Response, "may suggest")
}

func TestStream_CancellationSkipsPersistence(t *testing.T) {
	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Confidence: 70}}}
	sessions := &fakeSessions{}
	history := &fakeHistory{}
	o := New(guard.New(zaptest.NewLogger(t)), engines, &testutil.FakeLLM{Responses: []string{answer}},
		sessions, nil, history, nil, zaptest.NewLogger(t)).WithTokenDelay(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	events := o.Stream(ctx, testScope(t), "when was the notice served")

	var got []Event
	for e := range events {
		got = append(got, e)
		if e.Type == EventToken {
			cancel()
		}
	}

	for _, e := range got {
		assert.NotEqual(t, EventComplete, e.Type, "no completion after cancel")
	}
	assert.Zero(t, sessions.saves)
	assert.Empty(t, history.entries)
	cancel()
}

func TestStream_CacheHitSkipsEngines(t *testing.T) {
	scope := testScope(t)
	cache := newFakeCache()

	completion := Completion{
		Response:   answer,
		Confidence: 88,
		Sources:    []SourceRef{docSource("notice.pdf", 3)},
	}
	data, err := json.Marshal(completion)
	require.NoError(t, err)
	queryText := "when was the notice served"
	require.NoError(t, cache.Store(context.Background(), scope, queryText, nil, &query.CachedQueryResult{
		QueryHash:    query.Fingerprint(queryText, nil),
		ResponseData: data,
	}))

	engine := &fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Confidence: 70}}
	history := &fakeHistory{}
	o := newOrchestrator(t, []Engine{engine}, &testutil.FakeLLM{}, &fakeSessions{}, cache, history, nil)

	events := drain(o.Stream(context.Background(), scope, queryText))

	final := events[len(events)-1]
	require.Equal(t, EventComplete, final.Type)
	assert.Equal(t, answer, final.Data.(Completion).Response)
	assert.False(t, engine.called, "a cache hit never runs the engines")
	require.Len(t, history.entries, 1)
	assert.Equal(t, []string{"cache"}, history.entries[0].EnginesUsed)
}

func TestStream_MissFillsCache(t *testing.T) {
	scope := testScope(t)
	cache := newFakeCache()
	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Findings: 1, Confidence: 70}}}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, &fakeSessions{}, cache, nil, nil)

	queryText := "when was the notice served"
	drain(o.Stream(context.Background(), scope, queryText))

	stored := cache.stored[query.Fingerprint(queryText, nil)]
	require.NotNil(t, stored)
	assert.Equal(t, answer, stored.ResultSummary)
	assert.Equal(t, scope.MatterID, stored.MatterID)
	assert.Equal(t, query.Normalize(queryText), stored.NormalizedQuery)
}

func TestStream_EvaluationEnqueued(t *testing.T) {
	broker := testutil.NewFakeBroker()
	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{Summary: "s", Confidence: 70}}}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, &fakeSessions{}, nil, nil, broker)
	scope := testScope(t)

	drain(o.Stream(context.Background(), scope, "when was the notice served"))

	// The enqueue is async; give it a beat.
	deadline := time.Now().Add(time.Second)
	queue := scope.QueueKey(EvaluationQueue)
	for time.Now().Before(deadline) {
		if len(broker.Queues[queue]) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, broker.Queues[queue])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(broker.Queues[queue][0], &payload))
	assert.Contains(t, payload, "message_id")
}

func TestTokenize_Reconstructs(t *testing.T) {
	cases := []string{
		answer,
		"one",
		"  leading and   trailing  ",
		"line\nbreaks\tand tabs",
		"",
	}
	for _, s := range cases {
		assert.Equal(t, s, strings.Join(tokenize(s), ""))
	}
}

func TestWriteNDJSON(t *testing.T) {
	events := make(chan Event, 4)
	events <- Event{Type: EventTyping, Data: TypingData{Message: "working"}}
	events <- Event{Type: EventToken, Data: TokenData{Token: "hi ", Accumulated: "hi "}}
	close(events)

	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(context.Background(), &buf, events))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventTyping, first["type"])
}

func TestStream_RecordsStageSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	engines := []Engine{&fakeEngine{name: "search", out: &EngineOutput{
		Summary: "notice served 3 April 2021", Findings: 1, Confidence: 80,
	}}}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, &fakeSessions{}, nil, nil, nil)

	drain(o.Stream(context.Background(), testScope(t), "when was the notice served"))

	names := make(map[string]bool)
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	for _, want := range []string{
		"orchestrator.query",
		"orchestrator.guard",
		"orchestrator.fan_out",
		"engine.search",
		"orchestrator.compose",
		"orchestrator.stream_tokens",
	} {
		assert.True(t, names[want], "missing span %s", want)
	}
}

func TestFanOut_EngineFailureSetsSpanError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	engines := []Engine{
		&fakeEngine{name: "timeline", err: fmt.Errorf("graph down")},
		&fakeEngine{name: "search", out: &EngineOutput{Summary: "found", Confidence: 70}},
	}
	o := newOrchestrator(t, engines, &testutil.FakeLLM{Responses: []string{answer}}, &fakeSessions{}, nil, nil, nil)

	drain(o.Stream(context.Background(), testScope(t), "what happened"))

	var failed, succeeded bool
	for _, s := range recorder.Ended() {
		switch s.Name() {
		case "engine.timeline":
			failed = s.Status().Code == codes.Error
		case "engine.search":
			succeeded = s.Status().Code != codes.Error
		}
	}
	assert.True(t, failed, "failing engine span should carry error status")
	assert.True(t, succeeded, "healthy engine span should not")
}
