package memory

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/usage"
)

// Service owns memory injection and background extraction. All read paths
// degrade to "no memories" on failure; extraction never surfaces errors to
// the turn that scheduled it.
type Service struct {
	memories *memstore.Store
	ledger   *usage.Ledger
	resolver *llm.Resolver
	configs  []llm.ProviderConfig
	logger   *slog.Logger
	queue    *Queue

	// extract is swapped in tests.
	extract func(ctx context.Context, handle *llm.Handle, existing []memstore.Memory, conversation []chatstore.Message) (*ExtractorOutput, llm.Usage, error)
}

type Options struct {
	Memories *memstore.Store
	Ledger   *usage.Ledger
	Resolver *llm.Resolver

	// ProviderConfigs are the project-level provider credentials used to
	// resolve the extractor model.
	ProviderConfigs []llm.ProviderConfig

	Logger *slog.Logger

	// MaxConcurrentExtractions bounds parallel extraction jobs.
	MaxConcurrentExtractions int
}

func NewService(opts Options) (*Service, error) {
	if opts.Memories == nil {
		return nil, errors.New("memory store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		memories: opts.Memories,
		ledger:   opts.Ledger,
		resolver: opts.Resolver,
		configs:  opts.ProviderConfigs,
		logger:   logger,
		queue:    NewQueue(int64(opts.MaxConcurrentExtractions)),
	}
	s.extract = func(ctx context.Context, handle *llm.Handle, existing []memstore.Memory, conversation []chatstore.Message) (*ExtractorOutput, llm.Usage, error) {
		return NewExtractor(handle.Adapter, handle.Selection.ModelID).Extract(ctx, existing, conversation)
	}
	return s, nil
}

// SafeGetUserMemories returns the active memories to inject into the system
// prompt. Never fails: disabled memory or a store error yields an empty set.
func (s *Service) SafeGetUserMemories(ctx context.Context, userID string, projectID string, excludeChatID string) []memstore.Memory {
	if s == nil {
		return nil
	}
	enabled, err := s.memories.IsMemoryEnabled(ctx, userID, projectID)
	if err != nil {
		s.logger.Warn("memory enablement check failed", "error", err)
		return nil
	}
	if !enabled {
		return nil
	}
	memories, err := s.memories.GetUserMemories(ctx, userID, excludeChatID)
	if err != nil {
		s.logger.Warn("memory injection failed", "error", err)
		return nil
	}
	return memories
}

// ExtractionRequest is one background extraction job.
type ExtractionRequest struct {
	UserID    string
	ProjectID string
	ChatID    string
	Provider  string
	Messages  []chatstore.Message
}

// SafeScheduleExtraction submits extraction for a turn's conversation.
// Fire-and-forget: every failure is logged and swallowed.
func (s *Service) SafeScheduleExtraction(req ExtractionRequest) {
	if s == nil {
		return
	}
	ok := s.queue.Submit(req.UserID, func(ctx context.Context) {
		if err := s.runExtraction(ctx, req); err != nil {
			s.logger.Warn("memory extraction failed", "user_id", req.UserID, "chat_id", req.ChatID, "error", err)
		}
	})
	if !ok {
		s.logger.Warn("memory extraction rejected, queue closed", "user_id", req.UserID)
	}
}

func (s *Service) runExtraction(ctx context.Context, req ExtractionRequest) error {
	enabled, err := s.memories.IsMemoryEnabled(ctx, req.UserID, req.ProjectID)
	if err != nil || !enabled {
		return err
	}

	handle, err := s.resolver.ResolveExtractor(s.configs, req.Provider)
	if err != nil {
		return err
	}

	existing, err := s.memories.GetUserMemories(ctx, req.UserID, "")
	if err != nil {
		return err
	}

	output, tokenUsage, err := s.extract(ctx, handle, existing, req.Messages)
	if err != nil {
		return err
	}
	if !output.empty() {
		if err := s.persistExtracted(ctx, req.UserID, req.ChatID, existing, output); err != nil {
			return err
		}
	}
	s.recordUsage(ctx, req, handle, tokenUsage)
	return nil
}

// persistExtracted normalizes and stores the extractor's candidates in one
// batch. A supersedes_id outside the snapshot handed to the extractor is
// dropped while the memory itself is kept.
func (s *Service) persistExtracted(ctx context.Context, userID string, chatID string, snapshot []memstore.Memory, output *ExtractorOutput) error {
	snapshotIDs := make(map[string]bool, len(snapshot))
	for _, m := range snapshot {
		snapshotIDs[m.MemoryID] = true
	}

	items := make([]memstore.NewMemory, 0, len(output.UserInstructions)+len(output.UserProfile))
	collect := func(candidates []ExtractedItem, category string) {
		for _, c := range candidates {
			content := NormalizeMemoryContent(c.Content)
			if content == "" {
				continue
			}
			supersedes := strings.TrimSpace(c.SupersedesID)
			if supersedes != "" && !snapshotIDs[supersedes] {
				supersedes = ""
			}
			items = append(items, memstore.NewMemory{
				Category:     category,
				Content:      content,
				SupersedesID: supersedes,
			})
		}
	}
	collect(output.UserInstructions, memstore.CategoryGlobalRule)
	collect(output.UserProfile, memstore.CategoryPersonalFact)

	if len(items) == 0 {
		return nil
	}
	_, err := s.memories.UpsertAndSupersede(ctx, userID, chatID, items)
	return err
}

func (s *Service) recordUsage(ctx context.Context, req ExtractionRequest, handle *llm.Handle, tokenUsage llm.Usage) {
	if s.ledger == nil || tokenUsage.TotalTokens() <= 0 {
		return
	}
	err := s.ledger.Append(ctx, usage.Record{
		UserID:              req.UserID,
		ProjectID:           req.ProjectID,
		ChatID:              req.ChatID,
		RecordType:          usage.RecordTypeMemoryExtraction,
		Provider:            handle.Selection.Provider,
		ModelID:             handle.Selection.ModelID,
		InputTokens:         tokenUsage.InputTokens,
		CachedInputTokens:   tokenUsage.CachedInputTokens,
		CacheCreationTokens: tokenUsage.CacheCreationTokens,
		OutputTokens:        tokenUsage.OutputTokens,
		ReasoningTokens:     tokenUsage.ReasoningTokens,
		CostUSD:             llm.CostFor(handle.Selection.Provider, handle.Selection.ModelID, tokenUsage).TotalUSD,
	})
	if err != nil {
		s.logger.Warn("extraction usage record failed", "error", err)
	}
}

// Close drains in-flight extractions.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.queue.Close(ctx)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeMemoryContent trims, collapses whitespace runs, and enforces
// terminal punctuation. Idempotent; all-whitespace input yields "".
func NormalizeMemoryContent(content string) string {
	normalized := whitespaceRun.ReplaceAllString(strings.TrimSpace(content), " ")
	if normalized == "" {
		return normalized
	}
	switch normalized[len(normalized)-1] {
	case '.', '!', '?':
		return normalized
	}
	return normalized + "."
}
