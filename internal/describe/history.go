package describe

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// suggestFromHistory derives a suggestion from past approved invoices of the
// same contractor. Confidence is the share of the dominant category in the
// contractor's history.
func (e *Engine) suggestFromHistory(inv *entity.Invoice) *entity.Suggestion {
	nip := contractorNip(inv)
	if nip == "" {
		return nil
	}

	e.mu.RLock()
	entries := e.history[nip]
	e.mu.RUnlock()
	if len(entries) == 0 {
		return nil
	}

	category, topCount := mostFrequent(entries, func(h entity.ContractorHistoryEntry) string { return h.Category })
	if category == "" {
		return nil
	}
	mpk, _ := mostFrequent(entries, func(h entity.ContractorHistoryEntry) string { return h.MPK })
	description, _ := mostFrequent(entries, func(h entity.ContractorHistoryEntry) string { return h.Description })

	total := len(entries)
	return &entity.Suggestion{
		SuggestionSource: "history",
		Category:         category,
		MPK:              mpk,
		Description:      description,
		Confidence:       int(math.Round(float64(topCount) / float64(total) * 100)),
		BasedOn:          total,
	}
}

// SaveToHistory records an approved invoice under its contractor NIP and
// persists the updated history.
func (e *Engine) SaveToHistory(inv *entity.Invoice) {
	nip := contractorNip(inv)
	if nip == "" {
		return
	}

	entry := entity.ContractorHistoryEntry{
		InvoiceID:   inv.ID,
		Category:    inv.Category,
		MPK:         inv.MPK,
		Description: inv.Description,
		GrossAmount: grossAmount(inv),
		Date:        inv.IssueDate,
		SavedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	e.mu.Lock()
	e.history[nip] = append(e.history[nip], entry)
	e.persistHistoryLocked()
	e.mu.Unlock()

	e.logger.Debug("Saved invoice to contractor history",
		zap.String("invoice_id", inv.ID),
		zap.String("nip", nip))
}

// HistoryCount returns how many entries are recorded for a contractor NIP.
func (e *Engine) HistoryCount(nip string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history[nip])
}

// mostFrequent counts non-empty values of one field and returns the winner.
// Ties resolve to the value seen first.
func mostFrequent(entries []entity.ContractorHistoryEntry, field func(entity.ContractorHistoryEntry) string) (string, int) {
	counts := make(map[string]int)
	var order []string
	for _, h := range entries {
		v := field(h)
		if v == "" {
			continue
		}
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}

	best, bestCount := "", 0
	for _, v := range order {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best, bestCount
}
