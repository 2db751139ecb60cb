package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/domain/session"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
	"github.com/matterdock/matterdock-backend/internal/service/guard"
)

const (
	// DefaultTokenDelay paces token emission to protect slow consumers.
	DefaultTokenDelay = 5 * time.Millisecond

	// eventBuffer bounds the stream channel; a stalled consumer blocks
	// the producer instead of growing memory.
	eventBuffer = 16

	// EvaluationQueue is the per-matter queue name for async response
	// evaluation.
	EvaluationQueue = "evaluation"

	evaluationTimeout = 5 * time.Second
)

// EngineOutput is what one sub-engine contributes to the answer.
type EngineOutput struct {
	Summary    string
	Findings   int
	Confidence float64
	Sources    []SourceRef
}

// Engine is one fan-out leg: timeline, entity graph, hybrid search,
// citations. A failing engine degrades the answer, never aborts it.
type Engine interface {
	Name() string
	Run(ctx context.Context, scope matter.Scope, queryText string, sess *session.Session) (*EngineOutput, error)
}

// SessionStore is the conversation tier.
type SessionStore interface {
	Load(ctx context.Context, scope matter.Scope) *session.Session
	Save(ctx context.Context, scope matter.Scope, sess *session.Session) error
}

// ResultCache short-circuits repeated queries.
type ResultCache interface {
	Lookup(ctx context.Context, scope matter.Scope, queryText string, params map[string]string) (*query.CachedQueryResult, error)
	Store(ctx context.Context, scope matter.Scope, queryText string, params map[string]string, result *query.CachedQueryResult) error
}

// HistoryRecorder appends to the matter's query log.
type HistoryRecorder interface {
	RecordQuery(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error
}

// Orchestrator runs the streaming query pipeline.
type Orchestrator struct {
	guard      *guard.Guard
	engines    []Engine
	llm        ports.LLM
	sessions   SessionStore
	cache      ResultCache
	history    HistoryRecorder
	broker     ports.Broker
	logger     *zap.Logger
	tracer     oteltrace.Tracer
	tokenDelay time.Duration
}

// New wires the pipeline. cache, history, and broker may be nil; the
// corresponding steps are skipped.
func New(g *guard.Guard, engines []Engine, llm ports.LLM, sessions SessionStore, cache ResultCache, history HistoryRecorder, broker ports.Broker, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		guard:      g,
		engines:    engines,
		llm:        llm,
		sessions:   sessions,
		cache:      cache,
		history:    history,
		broker:     broker,
		logger:     logger,
		tracer:     telemetry.Tracer("matterdock.orchestrator"),
		tokenDelay: DefaultTokenDelay,
	}
}

// WithTokenDelay overrides the pacing interval.
func (o *Orchestrator) WithTokenDelay(d time.Duration) *Orchestrator {
	if d > 0 {
		o.tokenDelay = d
	}
	return o
}

// Stream runs the pipeline and returns its ordered event channel. The
// channel closes when the stream ends, whether by completion, error
// event, or caller cancellation. On cancellation nothing further is
// emitted and no session or history write happens.
func (o *Orchestrator) Stream(ctx context.Context, scope matter.Scope, queryText string) <-chan Event {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		o.run(ctx, scope, queryText, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, scope matter.Scope, queryText string, events chan<- Event) {
	start := time.Now()

	ctx, querySpan := telemetry.StartServiceSpan(ctx, o.tracer, "orchestrator", "query")
	defer querySpan.End()

	send := func(e Event) bool {
		select {
		case events <- e:
			telemetry.RecordStreamEvent(e.Type)
			return true
		case <-ctx.Done():
			return false
		}
	}

	_, guardSpan := telemetry.StartServiceSpan(ctx, o.tracer, "orchestrator", "guard")
	check := o.guard.Check(queryText)
	guardSpan.End()
	if !check.IsSafe {
		send(Event{Type: EventError, Data: ErrorData{
			Error: check.Explanation,
			Code:  errors.CodeQueryBlocked,
		}})
		return
	}

	if !send(Event{Type: EventTyping, Data: TypingData{Message: "Analyzing your question"}}) {
		return
	}

	sess := o.sessions.Load(ctx, scope)

	if o.cache != nil {
		cached, err := o.cache.Lookup(ctx, scope, queryText, nil)
		if err != nil {
			o.logger.Warn("query cache lookup failed, running engines",
				zap.String("matter_id", scope.MatterID.String()),
				zap.Error(err))
		} else if cached != nil {
			if o.streamCached(ctx, scope, sess, queryText, cached, send, start) {
				return
			}
		}
	}

	traces, outputs := o.fanOut(ctx, scope, queryText, sess)
	for _, trace := range traces {
		if !send(Event{Type: EventEngineComplete, Data: trace}) {
			return
		}
	}
	if len(outputs) == 0 {
		send(Event{Type: EventError, Data: ErrorData{
			Error: "every engine failed",
			Code:  errors.CodeStreamError,
		}})
		return
	}

	composeCtx, composeSpan := telemetry.StartServiceSpan(ctx, o.tracer, "orchestrator", "compose")
	response, err := o.compose(composeCtx, queryText, sess, outputs)
	telemetry.WithSpanError(composeSpan, err)
	composeSpan.End()
	if err != nil {
		o.logger.Error("response composition failed",
			zap.String("matter_id", scope.MatterID.String()),
			zap.Error(err))
		send(Event{Type: EventError, Data: ErrorData{
			Error: "failed to compose the response",
			Code:  errors.CodeStreamError,
		}})
		return
	}

	sanitized := guard.Sanitize(response)
	response = sanitized.SanitizedText

	sources := collectSources(outputs)
	for _, src := range sources {
		if !send(Event{Type: EventSourceReference, Data: src}) {
			return
		}
	}

	streamCtx, streamSpan := telemetry.StartServiceSpan(ctx, o.tracer, "orchestrator", "stream_tokens")
	delivered := o.streamTokens(streamCtx, response, send)
	streamSpan.End()
	if !delivered {
		return
	}

	completion := Completion{
		Response:    response,
		Sources:     sources,
		Traces:      traces,
		TotalTimeMs: time.Since(start).Milliseconds(),
		Confidence:  overallConfidence(outputs),
		MessageID:   uuid.New(),
	}
	if !send(Event{Type: EventComplete, Data: completion}) {
		return
	}

	o.persist(ctx, scope, sess, queryText, completion, engineNames(traces))
	o.enqueueEvaluation(ctx, scope, completion)
}

// streamCached replays a cache hit: tokens from the cached completion,
// then the completion itself. Returns false when the cached payload is
// unusable and the full pipeline should run.
func (o *Orchestrator) streamCached(ctx context.Context, scope matter.Scope, sess *session.Session, queryText string, cached *query.CachedQueryResult, send func(Event) bool, start time.Time) bool {
	var completion Completion
	if err := json.Unmarshal(cached.ResponseData, &completion); err != nil || completion.Response == "" {
		o.logger.Warn("cached response unusable, running engines",
			zap.String("query_hash", cached.QueryHash))
		return false
	}

	for _, src := range completion.Sources {
		if !send(Event{Type: EventSourceReference, Data: src}) {
			return true
		}
	}
	if !o.streamTokens(ctx, completion.Response, send) {
		return true
	}

	completion.TotalTimeMs = time.Since(start).Milliseconds()
	completion.MessageID = uuid.New()
	if !send(Event{Type: EventComplete, Data: completion}) {
		return true
	}

	o.persist(ctx, scope, sess, queryText, completion, []string{"cache"})
	return true
}

// fanOut runs every engine concurrently and collects traces in
// registration order, so event order is deterministic regardless of
// which engine finishes first.
func (o *Orchestrator) fanOut(ctx context.Context, scope matter.Scope, queryText string, sess *session.Session) ([]EngineTrace, []*EngineOutput) {
	ctx, span := telemetry.StartServiceSpan(ctx, o.tracer, "orchestrator", "fan_out")
	defer span.End()

	traces := make([]EngineTrace, len(o.engines))
	results := make([]*EngineOutput, len(o.engines))

	var wg sync.WaitGroup
	for i, engine := range o.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			legStart := time.Now()
			legCtx, legSpan := telemetry.StartServiceSpan(ctx, o.tracer, "engine", engine.Name())
			out, err := engine.Run(legCtx, scope, queryText, sess)
			telemetry.WithSpanError(legSpan, err)
			legSpan.End()
			trace := EngineTrace{
				Engine:          engine.Name(),
				ExecutionTimeMs: time.Since(legStart).Milliseconds(),
			}
			if err != nil {
				trace.Error = err.Error()
				o.logger.Warn("engine failed",
					zap.String("engine", engine.Name()),
					zap.String("matter_id", scope.MatterID.String()),
					zap.Error(err))
			} else {
				trace.Success = true
				trace.FindingsCount = out.Findings
				results[i] = out
			}
			traces[i] = trace
		}()
	}
	wg.Wait()

	outputs := make([]*EngineOutput, 0, len(results))
	for _, out := range results {
		if out != nil {
			outputs = append(outputs, out)
		}
	}
	return traces, outputs
}

// compose asks the model for the final grounded answer.
func (o *Orchestrator) compose(ctx context.Context, queryText string, sess *session.Session, outputs []*EngineOutput) (string, error) {
	var b strings.Builder
	b.WriteString("You are answering a factual question about a legal matter's documents. ")
	b.WriteString("Use only the findings below. State facts with their sources; never give legal advice, ")
	b.WriteString("predictions, or conclusions of liability.\n\nFindings:\n")
	for _, out := range outputs {
		if strings.TrimSpace(out.Summary) != "" {
			b.WriteString("- ")
			b.WriteString(out.Summary)
			b.WriteString("\n")
		}
	}

	tail := sess.ContextTail()
	if len(tail) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, msg := range tail {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", queryText)

	response, err := o.llm.Generate(ctx, b.String(), "")
	if err != nil {
		return "", errors.NewStreamError("answer generation failed").WithCause(err)
	}
	if strings.TrimSpace(response) == "" {
		return "", errors.NewStreamError("answer generation returned nothing")
	}
	return response, nil
}

// streamTokens paces the response out token by token with the running
// accumulator. Returns false on cancellation.
func (o *Orchestrator) streamTokens(ctx context.Context, response string, send func(Event) bool) bool {
	limiter := rate.NewLimiter(rate.Every(o.tokenDelay), 1)
	var acc strings.Builder

	for _, token := range tokenize(response) {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		acc.WriteString(token)
		if !send(Event{Type: EventToken, Data: TokenData{
			Token:       token,
			Accumulated: acc.String(),
		}}) {
			return false
		}
	}
	return true
}

// persist saves the turn after the stream has fully delivered. Failures
// here are logged, never surfaced: the client already has the answer.
func (o *Orchestrator) persist(ctx context.Context, scope matter.Scope, sess *session.Session, queryText string, completion Completion, engines []string) {
	refs := make([]string, 0, len(completion.Sources))
	for _, src := range completion.Sources {
		refs = append(refs, src.DocumentID.String())
	}

	sess.AddMessage(session.RoleUser, queryText, nil)
	sess.AddMessage(session.RoleAssistant, completion.Response, refs)
	if err := o.sessions.Save(ctx, scope, sess); err != nil {
		o.logger.Warn("session save failed",
			zap.String("matter_id", scope.MatterID.String()),
			zap.Error(err))
	}

	if o.history != nil {
		entry := &query.HistoryEntry{
			Query:       queryText,
			EnginesUsed: engines,
			Confidence:  completion.Confidence,
		}
		if err := o.history.RecordQuery(ctx, scope, entry); err != nil {
			o.logger.Warn("history append failed",
				zap.String("matter_id", scope.MatterID.String()),
				zap.Error(err))
		}
	}

	fromCache := len(engines) == 1 && engines[0] == "cache"
	if o.cache != nil && !fromCache {
		data, err := json.Marshal(completion)
		if err == nil {
			now := time.Now()
			result := &query.CachedQueryResult{
				QueryHash:       query.Fingerprint(queryText, nil),
				MatterID:        scope.MatterID,
				OriginalQuery:   queryText,
				NormalizedQuery: query.Normalize(queryText),
				CachedAt:        now,
				ExpiresAt:       now.Add(query.CacheTTL),
				ResultSummary:   completion.Response,
				EngineUsed:      strings.Join(engines, ","),
				FindingsCount:   len(completion.Sources),
				Confidence:      completion.Confidence,
				ResponseData:    data,
			}
			if err := o.cache.Store(ctx, scope, queryText, nil, result); err != nil {
				o.logger.Warn("query cache store failed",
					zap.String("matter_id", scope.MatterID.String()),
					zap.Error(err))
			}
		}
	}
}

// enqueueEvaluation hands the finished turn to the async evaluation
// queue. Detached from the request context so a client disconnect right
// after COMPLETE does not lose the evaluation; failures are logged only.
func (o *Orchestrator) enqueueEvaluation(ctx context.Context, scope matter.Scope, completion Completion) {
	if o.broker == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"message_id": completion.MessageID,
		"matter_id":  scope.MatterID,
		"confidence": completion.Confidence,
	})
	if err != nil {
		return
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), evaluationTimeout)
	go func() {
		defer cancel()
		if err := o.broker.Enqueue(detached, scope.QueueKey(EvaluationQueue), payload); err != nil {
			o.logger.Warn("evaluation enqueue failed",
				zap.String("matter_id", scope.MatterID.String()),
				zap.Error(err))
		}
	}()
}

// tokenize splits the response so that concatenating the tokens yields
// it back exactly: each token is one word plus its trailing whitespace.
func tokenize(s string) []string {
	var tokens []string
	i := 0
	for i < len(s) {
		j := i
		for j < len(s) && !isSpace(s[j]) {
			j++
		}
		for j < len(s) && isSpace(s[j]) {
			j++
		}
		tokens = append(tokens, s[i:j])
		i = j
	}
	return tokens
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func collectSources(outputs []*EngineOutput) []SourceRef {
	var sources []SourceRef
	seen := make(map[string]bool)
	for _, out := range outputs {
		for _, src := range out.Sources {
			key := src.DocumentID.String()
			if src.PageNumber != nil {
				key = fmt.Sprintf("%s:%d", key, *src.PageNumber)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			sources = append(sources, src)
		}
	}
	return sources
}

// overallConfidence averages the successful engines' confidence, on the
// 0..100 scale.
func overallConfidence(outputs []*EngineOutput) float64 {
	if len(outputs) == 0 {
		return 0
	}
	var sum float64
	for _, out := range outputs {
		sum += out.Confidence
	}
	return sum / float64(len(outputs))
}

func engineNames(traces []EngineTrace) []string {
	names := make([]string, 0, len(traces))
	for _, t := range traces {
		if t.Success {
			names = append(names, t.Engine)
		}
	}
	return names
}
