// Package ner implements the entity-recognition and document-profiling
// pipeline (C8): an Extractor that turns free text into typed entity
// mentions, a Classifier that profiles a document as entity/policy/process
// and pulls out its rules or steps, and an Observer that canonicalizes
// mentions across sources into a tenant-scoped cross-source view.
//
// Grounded on graphstore's Scope-qualified, tenant-prefixed map keys for
// the Observer's indices, and on coordinator.PhaseManager's single-mutex
// map-of-state pattern for how the indices are guarded.
package ner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/llm"
	"github.com/nucleus-metadata/ingestiond/logging"
)

var log = logging.Component("ner")

// Entity types form a closed set; anything else normalizes to "other".
const (
	TypePerson       = "person"
	TypeOrganization = "organization"
	TypeProject      = "project"
	TypeProduct      = "product"
	TypeDocument     = "document"
	TypePolicy       = "policy"
	TypeProcess      = "process"
	TypeTechnology   = "technology"
	TypeLocation     = "location"
	TypeDate         = "date"
	TypeCode         = "code"
	TypeOther        = "other"
)

var closedEntityTypes = map[string]bool{
	TypePerson: true, TypeOrganization: true, TypeProject: true, TypeProduct: true,
	TypeDocument: true, TypePolicy: true, TypeProcess: true, TypeTechnology: true,
	TypeLocation: true, TypeDate: true, TypeCode: true, TypeOther: true,
}

func normalizeEntityType(t string) string {
	if closedEntityTypes[t] {
		return t
	}
	return TypeOther
}

// Entity is one LLM-extracted mention, spec.md §4.3.
type Entity struct {
	Text        string
	Type        string
	Normalized  string
	Confidence  float64
	Qualifiers  []string
	Context     string
	StartOffset int
	EndOffset   int
}

// ExtractInput is one extraction call's input.
type ExtractInput struct {
	TenantID   string
	Text       string
	SourceID   string
	SourceType string
}

// Extractor asks an llm.Provider for the entities mentioned in a text
// and parses the reply into the closed entity-type vocabulary.
type Extractor struct {
	provider llm.Provider
}

func NewExtractor(provider llm.Provider) *Extractor {
	return &Extractor{provider: provider}
}

func (x *Extractor) Extract(ctx context.Context, in ExtractInput) ([]Entity, error) {
	resp, err := x.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: buildExtractionPrompt(in.Text)}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "extract entities")
	}
	return parseEntities(resp.Text, in.Text)
}

func buildExtractionPrompt(text string) string {
	return fmt.Sprintf(
		"Extract named entities from the following text as a JSON array of "+
			"objects with fields text, type, normalized, confidence, qualifiers, "+
			"context. Respond with JSON only, no commentary.\n\n%s", text)
}

type rawEntity struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Normalized string   `json:"normalized"`
	Confidence *float64 `json:"confidence"`
	Qualifiers []string `json:"qualifiers"`
	Context    string   `json:"context"`
}

// parseEntities strips code-fence markers, validates types against the
// closed set, computes verbatim-mention offsets, and defaults confidence
// to 0.8, spec.md §4.3. Malformed JSON raises INVALID_INPUT with the
// original payload attached so a caller can inspect what the model sent
// rather than losing it to a generic parse failure.
func parseEntities(raw, sourceText string) ([]Entity, error) {
	stripped := stripCodeFences(raw)
	var items []rawEntity
	if err := json.Unmarshal([]byte(stripped), &items); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "malformed entity extraction response").WithField(stripped)
	}

	out := make([]Entity, 0, len(items))
	for _, item := range items {
		entity := Entity{
			Text:       item.Text,
			Type:       normalizeEntityType(item.Type),
			Normalized: item.Normalized,
			Qualifiers: item.Qualifiers,
			Context:    item.Context,
			Confidence: 0.8,
		}
		if item.Confidence != nil {
			entity.Confidence = *item.Confidence
		}
		entity.StartOffset, entity.EndOffset = findOffsets(sourceText, item.Text)
		out = append(out, entity)
	}
	return out, nil
}

// findOffsets locates the first verbatim occurrence of mention in text.
// Mentions the model paraphrased rather than quoted don't resolve; -1,-1
// signals that to callers instead of guessing a position.
func findOffsets(text, mention string) (int, int) {
	if mention == "" {
		return -1, -1
	}
	idx := strings.Index(text, mention)
	if idx < 0 {
		return -1, -1
	}
	return idx, idx + len(mention)
}

// stripCodeFences removes a ```/```json wrapper some models add around
// JSON replies despite being asked not to.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		lang := s[:nl]
		if !strings.ContainsAny(lang, "{[") {
			s = s[nl+1:]
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// Rule is one policy rule; a missing id is assigned R1..Rn in order.
type Rule struct {
	ID   string
	Text string
}

// Step is one process step; a missing id is assigned S1..Sn in order.
type Step struct {
	ID   string
	Text string
}

type PolicyDetails struct {
	Rules []Rule
}

type ProcessDetails struct {
	Steps []Step
}

// ClassifyResult is the document profiler's output, spec.md §4.3.
type ClassifyResult struct {
	Type           string
	Confidence     float64
	PolicyDetails  *PolicyDetails
	ProcessDetails *ProcessDetails
}

// Classifier is the EPP (entity/policy/process) document profiler: one
// type-classification call, followed by a details-extraction call only
// when the document profiled as policy or process.
type Classifier struct {
	provider llm.Provider
}

func NewClassifier(provider llm.Provider) *Classifier {
	return &Classifier{provider: provider}
}

func (c *Classifier) Classify(ctx context.Context, text string) (*ClassifyResult, error) {
	typeResp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: buildTypeClassificationPrompt(text)}},
		MaxTokens: 64,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "classify document type")
	}
	result, err := parseTypeClassification(typeResp.Text)
	if err != nil {
		return nil, err
	}

	switch result.Type {
	case TypePolicy:
		detailsResp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: buildPolicyDetailsPrompt(text)}},
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "extract policy details")
		}
		details, err := parsePolicyDetails(detailsResp.Text)
		if err != nil {
			return nil, err
		}
		result.PolicyDetails = details
	case TypeProcess:
		detailsResp, err := c.provider.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: buildProcessDetailsPrompt(text)}},
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "extract process details")
		}
		details, err := parseProcessDetails(detailsResp.Text)
		if err != nil {
			return nil, err
		}
		result.ProcessDetails = details
	}
	return result, nil
}

func buildTypeClassificationPrompt(text string) string {
	return fmt.Sprintf("Classify the following document as one of entity, policy, or "+
		"process. Respond with JSON {\"type\":..., \"confidence\":...} only.\n\n%s", text)
}

func buildPolicyDetailsPrompt(text string) string {
	return fmt.Sprintf("Extract the individual rules from this policy document as a JSON "+
		"array of objects with fields id (optional) and text.\n\n%s", text)
}

func buildProcessDetailsPrompt(text string) string {
	return fmt.Sprintf("Extract the individual steps from this process document, in "+
		"execution order, as a JSON array of objects with fields id (optional) and "+
		"text.\n\n%s", text)
}

type rawTypeClassification struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

func parseTypeClassification(raw string) (*ClassifyResult, error) {
	stripped := stripCodeFences(raw)
	var parsed rawTypeClassification
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "malformed type classification response").WithField(stripped)
	}
	return &ClassifyResult{Type: normalizeClassification(parsed.Type), Confidence: parsed.Confidence}, nil
}

func normalizeClassification(t string) string {
	switch t {
	case TypePolicy, TypeProcess:
		return t
	default:
		return "entity"
	}
}

type rawIDText struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func parsePolicyDetails(raw string) (*PolicyDetails, error) {
	stripped := stripCodeFences(raw)
	var rules []rawIDText
	if err := json.Unmarshal([]byte(stripped), &rules); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "malformed policy details response").WithField(stripped)
	}
	return &PolicyDetails{Rules: assignRuleIDs(rules)}, nil
}

func assignRuleIDs(rules []rawIDText) []Rule {
	out := make([]Rule, len(rules))
	next := 1
	for i, r := range rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("R%d", next)
			next++
		}
		out[i] = Rule{ID: id, Text: r.Text}
	}
	return out
}

func parseProcessDetails(raw string) (*ProcessDetails, error) {
	stripped := stripCodeFences(raw)
	var steps []rawIDText
	if err := json.Unmarshal([]byte(stripped), &steps); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "malformed process details response").WithField(stripped)
	}
	return &ProcessDetails{Steps: assignStepIDs(steps)}, nil
}

func assignStepIDs(steps []rawIDText) []Step {
	out := make([]Step, len(steps))
	next := 1
	for i, s := range steps {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("S%d", next)
			next++
		}
		out[i] = Step{ID: id, Text: s.Text}
	}
	return out
}

// Observation statuses, spec.md §4.3.
const (
	StatusMatched  = "matched"
	StatusReview   = "review"
	StatusCreated  = "created"
	StatusRejected = "rejected"
)

// Observation is one source-specific mention of an entity, prior to or
// after canonicalization.
type Observation struct {
	ID          string
	TenantID    string
	SourceType  string
	SourceID    string
	Normalized  string
	Type        string
	Text        string
	Confidence  float64
	Status      string
	CanonicalID string
	MatchScore  float64
	MatchedBy   string
	ObservedAt  time.Time
}

// ObserveInput is one new mention to record.
type ObserveInput struct {
	Normalized string
	Type       string
	SourceType string
	SourceID   string
	Text       string
	Confidence float64
}

// Clock is a test seam for ObservedAt.
type Clock func() time.Time

// MatchCandidate is one canonical entity the matcher considered for a
// new observation.
type MatchCandidate struct {
	CanonicalID string
	Score       float64
}

// Observer canonicalizes entity mentions across sources, tenant-scoped.
// bySource and byNormalized are both keyed with tenantId as the leading
// path segment and share one RWMutex, so a lookup under one tenant can
// never observe another tenant's rows and a mismatched tenant id simply
// finds nothing (spec.md §5, §7: no tenant-existence leak).
type Observer struct {
	mu       sync.RWMutex
	bySource map[string][]*Observation // tenantId|sourceType|sourceId
	// byNormalized buckets by tenantId|type only, not tenantId|normalized|type:
	// fuzzy (Levenshtein) matching needs every same-type candidate in the
	// bucket to score against, which an exact-normalized key would exclude.
	byNormalized       map[string][]*Observation
	autoMergeThreshold float64
	now                Clock
}

func NewObserver(autoMergeThreshold float64) *Observer {
	return &Observer{
		bySource:           make(map[string][]*Observation),
		byNormalized:       make(map[string][]*Observation),
		autoMergeThreshold: autoMergeThreshold,
		now:                time.Now,
	}
}

func NewObserverWithClock(autoMergeThreshold float64, clock Clock) *Observer {
	o := NewObserver(autoMergeThreshold)
	o.now = clock
	return o
}

func sourceKey(tenantID, sourceType, sourceID string) string {
	return tenantID + "|" + sourceType + "|" + sourceID
}

func typeKey(tenantID, entityType string) string {
	return tenantID + "|" + entityType
}

// candidates scores every canonicalized observation already recorded for
// (tenantID, entityType) against normalized by Levenshtein similarity
// (1 - distance/maxLen), keeping the best score seen per canonical id.
// Entities still in "review" carry no canonical id and are excluded —
// only already-canonicalized mentions anchor future matches.
func (o *Observer) candidates(tenantID, entityType, normalized string) []MatchCandidate {
	best := make(map[string]float64)
	for _, obs := range o.byNormalized[typeKey(tenantID, entityType)] {
		if obs.CanonicalID == "" {
			continue
		}
		score := similarity(obs.Normalized, normalized)
		if score > best[obs.CanonicalID] {
			best[obs.CanonicalID] = score
		}
	}
	out := make([]MatchCandidate, 0, len(best))
	for id, score := range best {
		out = append(out, MatchCandidate{CanonicalID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func similarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// Observe records a new mention, runs the matcher against existing
// canonical entities of the same type, and transitions its status:
// score >= autoMergeThreshold matches an existing canonical id, a lower
// positive score goes to review, and no candidates creates a new
// canonical id outright.
func (o *Observer) Observe(ctx context.Context, tenantID string, in ObserveInput) (*Observation, error) {
	if tenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}

	obs := &Observation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SourceType: in.SourceType,
		SourceID:   in.SourceID,
		Normalized: in.Normalized,
		Type:       in.Type,
		Text:       in.Text,
		Confidence: in.Confidence,
		ObservedAt: o.now(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	candidates := o.candidates(tenantID, in.Type, in.Normalized)
	switch {
	case len(candidates) == 0:
		obs.Status = StatusCreated
		obs.CanonicalID = uuid.NewString()
	case candidates[0].Score >= o.autoMergeThreshold:
		obs.Status = StatusMatched
		obs.CanonicalID = candidates[0].CanonicalID
		obs.MatchScore = candidates[0].Score
		obs.MatchedBy = "levenshtein"
		log.WithField("canonicalId", obs.CanonicalID).WithField("score", obs.MatchScore).Debug("observation auto-merged")
	default:
		obs.Status = StatusReview
		obs.MatchScore = candidates[0].Score
		obs.MatchedBy = "levenshtein"
	}

	sk := sourceKey(tenantID, in.SourceType, in.SourceID)
	o.bySource[sk] = append(o.bySource[sk], obs)
	tk := typeKey(tenantID, in.Type)
	o.byNormalized[tk] = append(o.byNormalized[tk], obs)

	return obs, nil
}

// Approve manually transitions a reviewed (or created) observation to
// matched against an operator-chosen canonical id.
func (o *Observer) Approve(ctx context.Context, tenantID, obsID, canonicalID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	obs := o.findTenantObservation(tenantID, obsID)
	if obs == nil {
		return apperr.New(apperr.NotFound, "observation not found")
	}
	obs.Status = StatusMatched
	obs.CanonicalID = canonicalID
	return nil
}

// Reject manually transitions an observation to rejected, clearing any
// canonical id it held.
func (o *Observer) Reject(ctx context.Context, tenantID, obsID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	obs := o.findTenantObservation(tenantID, obsID)
	if obs == nil {
		return apperr.New(apperr.NotFound, "observation not found")
	}
	obs.Status = StatusRejected
	obs.CanonicalID = ""
	return nil
}

// findTenantObservation scans only the rows filed under tenantID. A
// caller passing an id that belongs to a different tenant finds nothing,
// the same outcome as passing an id that never existed.
func (o *Observer) findTenantObservation(tenantID, obsID string) *Observation {
	prefix := tenantID + "|"
	for key, obsList := range o.byNormalized {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, obs := range obsList {
			if obs.ID == obsID {
				return obs
			}
		}
	}
	return nil
}

// View is the cross-source canonical view of one normalized entity,
// spec.md §4.3.
type View struct {
	Normalized   string
	Type         string
	CanonicalID  string
	Observations []*Observation
	Sources      []string
	FirstSeen    time.Time
	LastSeen     time.Time
	Confidence   float64
}

// BuildView aggregates every observation sharing (tenantId, normalized,
// type) into one canonical view, averaging confidence across them.
func (o *Observer) BuildView(ctx context.Context, tenantID, normalized, entityType string) (*View, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var matches []*Observation
	for _, obs := range o.byNormalized[typeKey(tenantID, entityType)] {
		if obs.Normalized == normalized {
			matches = append(matches, obs)
		}
	}
	if len(matches) == 0 {
		return nil, apperr.New(apperr.NotFound, "no observations for this normalized entity")
	}

	view := &View{Normalized: normalized, Type: entityType}
	seenSources := make(map[string]bool)
	var confidenceSum float64
	for i, obs := range matches {
		view.Observations = append(view.Observations, obs)
		if obs.CanonicalID != "" && view.CanonicalID == "" {
			view.CanonicalID = obs.CanonicalID
		}
		srcLabel := obs.SourceType + ":" + obs.SourceID
		if !seenSources[srcLabel] {
			seenSources[srcLabel] = true
			view.Sources = append(view.Sources, srcLabel)
		}
		confidenceSum += obs.Confidence
		if i == 0 || obs.ObservedAt.Before(view.FirstSeen) {
			view.FirstSeen = obs.ObservedAt
		}
		if i == 0 || obs.ObservedAt.After(view.LastSeen) {
			view.LastSeen = obs.ObservedAt
		}
	}
	view.Confidence = confidenceSum / float64(len(matches))
	return view, nil
}
