// Package describe implements the auto-describe suggestion engine. For each
// invoice it produces up to three candidates (contractor history, keyword
// rules, optional AI) and picks the highest-confidence one.
package describe

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/store"
)

const historySettingKey = "describe:contractor_history"

// Config configures the engine.
type Config struct {
	Rules     []entity.DescribeRule
	AIEnabled bool
	AIAPIKey  string
	AIModel   string
}

// Engine produces category/description suggestions for invoices.
type Engine struct {
	store  store.Store
	bus    dispatcher.Dispatcher
	rules  []entity.DescribeRule
	ai     *aiSuggester
	logger *zap.Logger

	mu      sync.RWMutex
	history map[string][]entity.ContractorHistoryEntry
}

// NewEngine creates the engine and loads persisted contractor history.
func NewEngine(cfg Config, st store.Store, bus dispatcher.Dispatcher, logger *zap.Logger) *Engine {
	e := &Engine{
		store:   st,
		bus:     bus,
		rules:   cfg.Rules,
		logger:  logger,
		history: make(map[string][]entity.ContractorHistoryEntry),
	}
	if cfg.AIEnabled && cfg.AIAPIKey != "" {
		e.ai = newAISuggester(cfg.AIAPIKey, cfg.AIModel, logger)
	}
	e.loadHistory()
	return e
}

// Suggest returns the best candidate for the invoice. When no suggester
// produces anything it returns the sentinel {source: "none"}.
func (e *Engine) Suggest(ctx context.Context, inv *entity.Invoice) *entity.Suggestion {
	var candidates []*entity.Suggestion

	if s := e.suggestFromHistory(inv); s != nil {
		candidates = append(candidates, s)
	}
	if s := e.suggestFromRules(inv); s != nil {
		candidates = append(candidates, s)
	}
	if s := e.suggestFromAI(ctx, inv); s != nil {
		candidates = append(candidates, s)
	}

	if len(candidates) == 0 {
		return &entity.Suggestion{SuggestionSource: "none", Confidence: 0, BasedOn: 0}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	best := candidates[0]
	e.logger.Debug("Selected suggestion",
		zap.String("invoice_id", inv.ID),
		zap.String("source", best.SuggestionSource),
		zap.Int("confidence", best.Confidence))
	return best
}

// SetRules replaces the rule set.
func (e *Engine) SetRules(rules []entity.DescribeRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

func (e *Engine) loadHistory() {
	raw, err := e.store.GetSetting(historySettingKey)
	if err != nil {
		e.logger.Warn("Failed to load contractor history", zap.Error(err))
		return
	}
	if raw == nil {
		return
	}
	var hist map[string][]entity.ContractorHistoryEntry
	if err := json.Unmarshal(raw, &hist); err != nil {
		e.logger.Warn("Corrupt contractor history, starting empty", zap.Error(err))
		return
	}
	e.history = hist
}

func (e *Engine) persistHistoryLocked() {
	raw, err := json.Marshal(e.history)
	if err != nil {
		e.logger.Error("Failed to encode contractor history", zap.Error(err))
		return
	}
	if err := e.store.SetSetting(historySettingKey, raw); err != nil {
		e.logger.Error("Failed to persist contractor history", zap.Error(err))
	}
}

// contractorNip picks the NIP key for history lookups: annotated contractor
// NIP first, then the parsed seller NIP.
func contractorNip(inv *entity.Invoice) string {
	if inv.ContractorNip != "" {
		return inv.ContractorNip
	}
	if inv.ParsedData != nil {
		return inv.ParsedData.SellerNip
	}
	return ""
}

func grossAmount(inv *entity.Invoice) *float64 {
	if inv.GrossAmount != nil {
		return inv.GrossAmount
	}
	if inv.ParsedData != nil {
		return inv.ParsedData.GrossAmount
	}
	return nil
}
