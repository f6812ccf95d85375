// Package graphrag implements the GraphRAG service facade (C12): the
// four request/response verbs — BuildContext, ExpandGraph,
// GetEntityCommunities, GenerateAnswer — that a control-plane front end
// calls through, spec.md §4.7.
//
// Grounded on ingest.Engine's request-validate-then-delegate shape
// (Configure/StartRun validate before touching a collaborator); the
// service itself holds no state beyond its collaborators.
package graphrag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/llm"
	"github.com/nucleus-metadata/ingestiond/ragcontext"
)

// Default bounds for ExpandGraph when the caller leaves them unset,
// spec.md §4.7 — distinct from ragcontext's own defaults, which apply
// to BuildContext's expansion phase instead.
const (
	DefaultExpandMaxHops        = 2
	DefaultExpandMaxNodesPerHop = 20
	DefaultExpandMaxTotalNodes  = 100

	defaultAnswerMaxTokens = 1024
)

// ContextBuilder is the contract BuildContext delegates to.
type ContextBuilder interface {
	Build(ctx context.Context, req ragcontext.Request) (*ragcontext.Context, error)
}

// Expander is the contract ExpandGraph delegates to.
type Expander interface {
	Expand(ctx context.Context, in graphexpand.Input) (*graphexpand.Result, error)
}

// CommunityProvider is the contract GetEntityCommunities delegates to.
type CommunityProvider interface {
	GetCommunities(ctx context.Context, tenantID string, nodeIDs []string, maxCommunities int) ([]ragcontext.Community, error)
}

// Service implements the four GraphRAG verbs over a context builder, an
// expander, a community provider, and an optional LLM. A nil llm.Provider
// puts GenerateAnswer in deterministic mock-answer mode.
type Service struct {
	contextBuilder ContextBuilder
	expander       Expander
	communities    CommunityProvider
	provider       llm.Provider
}

func New(contextBuilder ContextBuilder, expander Expander, communities CommunityProvider, provider llm.Provider) *Service {
	return &Service{contextBuilder: contextBuilder, expander: expander, communities: communities, provider: provider}
}

// BuildContextRequest is BuildContext's input.
type BuildContextRequest struct {
	TenantID       string
	Query          string
	Embedding      []float32
	EmbeddingModel string
	Config         ragcontext.Config
}

// BuildContextResponse is BuildContext's output.
type BuildContextResponse struct {
	Context  *ragcontext.Context
	WallTime time.Duration
}

// BuildContext validates tenant and query, builds the context, and
// reports how long the build took.
func (s *Service) BuildContext(ctx context.Context, req BuildContextRequest) (*BuildContextResponse, error) {
	if req.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}
	if req.Query == "" {
		return nil, apperr.New(apperr.InvalidInput, "query is required")
	}

	start := time.Now()
	built, err := s.contextBuilder.Build(ctx, ragcontext.Request{
		TenantID:       req.TenantID,
		Query:          req.Query,
		Embedding:      req.Embedding,
		EmbeddingModel: req.EmbeddingModel,
		Config:         req.Config,
	})
	if err != nil {
		return nil, err
	}
	return &BuildContextResponse{Context: built, WallTime: time.Since(start)}, nil
}

// ExpandGraphRequest is ExpandGraph's input.
type ExpandGraphRequest struct {
	TenantID       string
	Seeds          []string
	EdgeTypes      []string
	MaxHops        int
	MaxNodesPerHop int
	MaxTotalNodes  int
}

// ExpandGraphResponse is ExpandGraph's output.
type ExpandGraphResponse struct {
	Result *graphexpand.Result
}

// ExpandGraph validates tenant and non-empty seeds and applies
// ExpandGraph's own defaults (distinct from the context builder's),
// spec.md §4.7.
func (s *Service) ExpandGraph(ctx context.Context, req ExpandGraphRequest) (*ExpandGraphResponse, error) {
	if req.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}
	if len(req.Seeds) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "seeds is required")
	}

	maxHops := req.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultExpandMaxHops
	}
	maxNodesPerHop := req.MaxNodesPerHop
	if maxNodesPerHop <= 0 {
		maxNodesPerHop = DefaultExpandMaxNodesPerHop
	}
	maxTotalNodes := req.MaxTotalNodes
	if maxTotalNodes <= 0 {
		maxTotalNodes = DefaultExpandMaxTotalNodes
	}

	result, err := s.expander.Expand(ctx, graphexpand.Input{
		TenantID:       req.TenantID,
		Scope:          graphstore.Scope{OrgID: req.TenantID},
		Seeds:          req.Seeds,
		EdgeTypes:      req.EdgeTypes,
		Direction:      graphstore.DirectionBoth,
		MaxHops:        maxHops,
		MaxNodesPerHop: maxNodesPerHop,
		MaxTotalNodes:  maxTotalNodes,
	})
	if err != nil {
		return nil, err
	}
	return &ExpandGraphResponse{Result: result}, nil
}

// GetEntityCommunitiesRequest is GetEntityCommunities' input.
type GetEntityCommunitiesRequest struct {
	TenantID       string
	NodeIDs        []string
	MaxCommunities int
}

// GetEntityCommunitiesResponse is GetEntityCommunities' output.
type GetEntityCommunitiesResponse struct {
	Communities []ragcontext.Community
}

func (s *Service) GetEntityCommunities(ctx context.Context, req GetEntityCommunitiesRequest) (*GetEntityCommunitiesResponse, error) {
	if req.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}
	if s.communities == nil {
		return &GetEntityCommunitiesResponse{}, nil
	}
	communities, err := s.communities.GetCommunities(ctx, req.TenantID, req.NodeIDs, req.MaxCommunities)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "get entity communities")
	}
	return &GetEntityCommunitiesResponse{Communities: communities}, nil
}

// Citation is one answer citation. StartOffset/EndOffset are -1 when the
// citation cannot be pinned to an exact position (real-LLM mode).
type Citation struct {
	Text        string
	NodeID      string
	StartOffset int
	EndOffset   int
}

// GenerateAnswerRequest is GenerateAnswer's input.
type GenerateAnswerRequest struct {
	TenantID  string
	Context   *ragcontext.Context
	Question  string
	MaxTokens int
}

// GenerateAnswerResponse is GenerateAnswer's output.
type GenerateAnswerResponse struct {
	Answer    string
	Citations []Citation
}

// GenerateAnswer requires the supplied context to belong to the
// requesting tenant, assembles a prompt bounded by maxTokens*4
// characters, and calls the configured LLM provider — or, in its
// absence, emits a deterministic mock answer with citations whose
// offsets are accurate positions inside the mock text itself. Real-LLM
// answers return citations without offsets, spec.md §4.7.
func (s *Service) GenerateAnswer(ctx context.Context, req GenerateAnswerRequest) (*GenerateAnswerResponse, error) {
	if req.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}
	if req.Context == nil {
		return nil, apperr.New(apperr.InvalidInput, "context is required")
	}
	if req.Context.TenantID != req.TenantID {
		return nil, apperr.New(apperr.TenantMismatch, "context tenant does not match request tenant")
	}

	if s.provider == nil {
		answer, citations := mockAnswer(req.Context)
		return &GenerateAnswerResponse{Answer: answer, Citations: citations}, nil
	}

	prompt := buildPrompt(req.Context, req.Question, req.MaxTokens)
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "generate answer")
	}
	return &GenerateAnswerResponse{Answer: resp.Text, Citations: citationsWithoutOffsets(req.Context)}, nil
}

func buildPrompt(ctxData *ragcontext.Context, question string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = defaultAnswerMaxTokens
	}
	maxChars := maxTokens * 4

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nContext:\n")
	for _, seed := range ctxData.Seeds {
		if seed.Node != nil {
			fmt.Fprintf(&b, "- %s\n", seed.Node.DisplayName)
		}
	}
	for _, edge := range ctxData.Edges {
		fmt.Fprintf(&b, "- %s -[%s]-> %s\n", edge.SourceNodeID, edge.EdgeType, edge.TargetNodeID)
	}
	for _, c := range ctxData.Communities {
		fmt.Fprintf(&b, "- community: %s\n", c.Summary)
	}
	return truncateRunes(b.String(), maxChars)
}

func truncateRunes(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}

// mockAnswer deterministically names every entity the context surfaced
// and attaches a citation for each, with offsets computed against the
// generated text itself rather than any source document.
func mockAnswer(ctxData *ragcontext.Context) (string, []Citation) {
	var names []string
	seen := make(map[string]bool)
	addName := func(n *graphstore.Node) {
		if n == nil || n.DisplayName == "" || seen[n.DisplayName] {
			return
		}
		seen[n.DisplayName] = true
		names = append(names, n.DisplayName)
	}
	for _, seed := range ctxData.Seeds {
		addName(seed.Node)
	}
	for _, n := range ctxData.Nodes {
		addName(n)
	}

	var b strings.Builder
	b.WriteString("Based on the available context")
	if len(names) > 0 {
		b.WriteString(", the relevant entities are ")
		b.WriteString(strings.Join(names, " and "))
	}
	b.WriteString(".")
	text := b.String()

	var citations []Citation
	for _, name := range names {
		idx := strings.Index(text, name)
		if idx < 0 {
			continue
		}
		citations = append(citations, Citation{Text: name, StartOffset: idx, EndOffset: idx + len(name)})
	}
	return text, citations
}

func citationsWithoutOffsets(ctxData *ragcontext.Context) []Citation {
	var citations []Citation
	seen := make(map[string]bool)
	for _, seed := range ctxData.Seeds {
		if seed.Node == nil || seed.Node.DisplayName == "" || seen[seed.Node.ID] {
			continue
		}
		seen[seed.Node.ID] = true
		citations = append(citations, Citation{Text: seed.Node.DisplayName, NodeID: seed.Node.ID, StartOffset: -1, EndOffset: -1})
	}
	return citations
}
