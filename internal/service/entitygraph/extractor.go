// Package entitygraph builds the matter identity graph: entities
// extracted per chunk, deduplicated by (canonical name, type), with
// mentions and relationships.
package entitygraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// EntityStore persists the graph. FindByKey returns ITEM_NOT_FOUND when
// the matter has no entity under that key.
type EntityStore interface {
	FindByKey(ctx context.Context, scope matter.Scope, canonicalName string, entityType entity.Type) (*entity.Entity, error)
	Insert(ctx context.Context, scope matter.Scope, e *entity.Entity) error
	Update(ctx context.Context, scope matter.Scope, e *entity.Entity) error
	InsertMentions(ctx context.Context, scope matter.Scope, mentions []*entity.Mention) error
	InsertRelationships(ctx context.Context, scope matter.Scope, relationships []*entity.Relationship) error
}

// Extractor runs the per-chunk model call and folds the output into the
// stored graph.
type Extractor struct {
	llm    ports.LLM
	store  EntityStore
	logger *zap.Logger
}

func New(llm ports.LLM, store EntityStore, logger *zap.Logger) *Extractor {
	return &Extractor{llm: llm, store: store, logger: logger}
}

// Result is what one chunk contributed to the graph.
type Result struct {
	Entities      []*entity.Entity
	Mentions      []*entity.Mention
	Relationships []*entity.Relationship
}

type modelMention struct {
	RawText string `json:"raw_text"`
	Context string `json:"context,omitempty"`
}

type modelEntity struct {
	CanonicalName string         `json:"canonical_name"`
	Type          string         `json:"type"`
	Aliases       []string       `json:"aliases,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Confidence    float64        `json:"confidence"`
	Mentions      []modelMention `json:"mentions,omitempty"`
}

type modelRelationship struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type modelGraph struct {
	Entities      []modelEntity       `json:"entities"`
	Relationships []modelRelationship `json:"relationships,omitempty"`
}

const graphSchema = `{"type":"object","properties":{"entities":{"type":"array","items":{"type":"object","properties":{"canonical_name":{"type":"string"},"type":{"type":"string","enum":["PERSON","ORG","INSTITUTION","ASSET"]},"aliases":{"type":"array","items":{"type":"string"}},"roles":{"type":"array","items":{"type":"string"}},"confidence":{"type":"number"},"mentions":{"type":"array","items":{"type":"object","properties":{"raw_text":{"type":"string"},"context":{"type":"string"}}}}},"required":["canonical_name","type"]}},"relationships":{"type":"array","items":{"type":"object","properties":{"from":{"type":"string"},"to":{"type":"string"},"type":{"type":"string"},"confidence":{"type":"number"}},"required":["from","to"]}}},"required":["entities"]}`

// ExtractChunk extracts the chunk's entities and relationships and
// persists them. Existing entities absorb new aliases and mention counts
// rather than duplicating.
func (e *Extractor) ExtractChunk(ctx context.Context, scope matter.Scope, chunk *document.Chunk) (*Result, error) {
	if strings.TrimSpace(chunk.Content) == "" {
		return &Result{}, nil
	}

	graph, err := e.callModel(ctx, chunk.Content)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	byName := make(map[string]*entity.Entity)

	for _, me := range graph.Entities {
		stored, err := e.upsertEntity(ctx, scope, me)
		if err != nil {
			e.logger.Warn("entity skipped",
				zap.String("canonical_name", me.CanonicalName), zap.Error(err))
			continue
		}
		byName[strings.ToLower(strings.TrimSpace(me.CanonicalName))] = stored
		result.Entities = append(result.Entities, stored)

		for _, mm := range me.Mentions {
			if strings.TrimSpace(mm.RawText) == "" {
				continue
			}
			result.Mentions = append(result.Mentions, &entity.Mention{
				ID:         uuid.New(),
				MatterID:   scope.MatterID,
				EntityID:   stored.ID,
				ChunkID:    chunk.ID,
				PageNumber: chunk.PageNumber,
				BBoxIDs:    chunk.BBoxIDs,
				RawText:    mm.RawText,
				Context:    mm.Context,
				CreatedAt:  time.Now(),
			})
		}
	}

	for _, mr := range graph.Relationships {
		from := byName[strings.ToLower(strings.TrimSpace(mr.From))]
		to := byName[strings.ToLower(strings.TrimSpace(mr.To))]
		if from == nil || to == nil {
			e.logger.Debug("relationship endpoint not in chunk, skipped",
				zap.String("from", mr.From), zap.String("to", mr.To))
			continue
		}
		rel, err := entity.NewRelationship(scope.MatterID, from, to, strings.ToUpper(mr.Type), mr.Confidence)
		if err != nil {
			continue
		}
		result.Relationships = append(result.Relationships, rel)
	}

	if len(result.Mentions) > 0 {
		if err := e.store.InsertMentions(ctx, scope, result.Mentions); err != nil {
			return nil, err
		}
	}
	if len(result.Relationships) > 0 {
		if err := e.store.InsertRelationships(ctx, scope, result.Relationships); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("extracted chunk graph",
		zap.String("chunk_id", chunk.ID.String()),
		zap.Int("entities", len(result.Entities)),
		zap.Int("mentions", len(result.Mentions)),
		zap.Int("relationships", len(result.Relationships)))
	return result, nil
}

// upsertEntity resolves the model's entity against the stored graph:
// found entities merge aliases and accumulate mention counts, new ones
// are inserted.
func (e *Extractor) upsertEntity(ctx context.Context, scope matter.Scope, me modelEntity) (*entity.Entity, error) {
	entityType, err := entity.ParseType(me.Type)
	if err != nil {
		return nil, err
	}

	mentionCount := len(me.Mentions)
	if mentionCount == 0 {
		mentionCount = 1
	}

	stored, err := e.store.FindByKey(ctx, scope, me.CanonicalName, entityType)
	switch {
	case err == nil:
		for _, alias := range me.Aliases {
			stored.MergeAlias(alias)
		}
		stored.MentionCount += mentionCount
		mergeRoles(stored, me.Roles)
		if err := e.store.Update(ctx, scope, stored); err != nil {
			return nil, err
		}
		return stored, nil

	case errors.IsCode(err, errors.CodeItemNotFound):
		fresh, err := entity.New(scope.MatterID, me.CanonicalName, entityType)
		if err != nil {
			return nil, err
		}
		for _, alias := range me.Aliases {
			fresh.MergeAlias(alias)
		}
		fresh.MentionCount = mentionCount
		mergeRoles(fresh, me.Roles)
		if err := e.store.Insert(ctx, scope, fresh); err != nil {
			return nil, err
		}
		return fresh, nil

	default:
		return nil, err
	}
}

// mergeRoles accumulates distinct role labels into the entity metadata.
func mergeRoles(ent *entity.Entity, roles []string) {
	if len(roles) == 0 {
		return
	}
	existing := map[string]bool{}
	if ent.Metadata != nil {
		for _, r := range strings.Split(ent.Metadata["roles"], ",") {
			if r != "" {
				existing[r] = true
			}
		}
	}
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r != "" {
			existing[r] = true
		}
	}
	if len(existing) == 0 {
		return
	}
	merged := make([]string, 0, len(existing))
	for r := range existing {
		merged = append(merged, r)
	}
	sort.Strings(merged)
	if ent.Metadata == nil {
		ent.Metadata = make(map[string]string)
	}
	ent.Metadata["roles"] = strings.Join(merged, ",")
}

func (e *Extractor) callModel(ctx context.Context, content string) (*modelGraph, error) {
	prompt := fmt.Sprintf(
		"Identify the people, organizations, institutions, and assets in this legal "+
			"text, with any aliases, their roles in the matter, and the relationships "+
			"between them. Use canonical names. Respond with JSON matching the schema.\n\n%s",
		content)

	raw, err := e.llm.Generate(ctx, prompt, graphSchema)
	if err != nil {
		return nil, errors.NewExternalError("llm", "entity extraction failed").WithCause(err)
	}

	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var graph modelGraph
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &graph); err != nil {
		return nil, errors.NewExternalError("llm", "entity extraction returned malformed JSON").WithCause(err)
	}
	return &graph, nil
}
