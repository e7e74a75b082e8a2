package describe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/application/dispatcher"
	"github.com/exef-pl/faktury/internal/domain/entity"
	"github.com/exef-pl/faktury/internal/store"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := dispatcher.NewDispatcher()
	t.Cleanup(func() { bus.Close() })
	return NewEngine(cfg, st, bus, zap.NewNop()), st
}

func approved(nip, category, mpk, desc string) *entity.Invoice {
	return &entity.Invoice{
		ID:            "inv-" + category + desc,
		ContractorNip: nip,
		Category:      category,
		MPK:           mpk,
		Description:   desc,
	}
}

func TestSuggest_SentinelWhenNothingMatches(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	s := e.Suggest(context.Background(), &entity.Invoice{ID: "x", ContractorNip: "1234567890"})
	assert.Equal(t, "none", s.SuggestionSource)
	assert.Equal(t, 0, s.Confidence)
	assert.Equal(t, 0, s.BasedOn)
}

func TestSuggest_HistoryDominantCategory(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	e.SaveToHistory(approved("1234567890", "paliwo", "MPK-1", "tankowanie"))
	e.SaveToHistory(approved("1234567890", "paliwo", "MPK-1", "tankowanie"))
	e.SaveToHistory(approved("1234567890", "biuro", "MPK-2", "papier"))

	s := e.Suggest(context.Background(), &entity.Invoice{ID: "x", ContractorNip: "1234567890"})
	assert.Equal(t, "history", s.SuggestionSource)
	assert.Equal(t, "paliwo", s.Category)
	assert.Equal(t, "MPK-1", s.MPK)
	assert.Equal(t, "tankowanie", s.Description)
	assert.Equal(t, 67, s.Confidence, "round(2/3*100)")
	assert.Equal(t, 3, s.BasedOn)
}

func TestSuggest_HistoryUsesParsedSellerNip(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	e.SaveToHistory(approved("5555555555", "telekom", "", "abonament"))

	s := e.Suggest(context.Background(), &entity.Invoice{
		ID:         "x",
		ParsedData: &entity.ParsedDocument{SellerNip: "5555555555"},
	})
	assert.Equal(t, "history", s.SuggestionSource)
	assert.Equal(t, "telekom", s.Category)
	assert.Equal(t, 100, s.Confidence)
}

func TestSuggest_RuleFirstMatchWins(t *testing.T) {
	e, _ := newTestEngine(t, Config{Rules: []entity.DescribeRule{
		{Name: "fuel", Keywords: []string{"orlen", "paliwo"}, Category: "paliwo", Confidence: 80},
		{Name: "fuel-generic", Keywords: []string{"orlen"}, Category: "transport", Confidence: 90},
	}})

	s := e.Suggest(context.Background(), &entity.Invoice{
		ID:             "x",
		ContractorName: "ORLEN S.A.",
	})
	assert.Equal(t, "rule", s.SuggestionSource)
	assert.Equal(t, "fuel", s.RuleName, "rule order decides, not confidence")
	assert.Equal(t, "paliwo", s.Category)
	assert.Equal(t, 80, s.Confidence)
}

func TestRuleMatches_ConjunctivePredicates(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	min, max := 100.0, 500.0
	rule := entity.DescribeRule{
		Name:        "narrow",
		NipPattern:  `^123`,
		NamePattern: "acme",
		AmountMin:   &min,
		AmountMax:   &max,
		Keywords:    []string{"usługa"},
		Category:    "uslugi",
		Confidence:  70,
	}

	gross := 250.0
	inv := &entity.Invoice{
		ContractorNip:  "1234567890",
		ContractorName: "ACME Sp. z o.o.",
		GrossAmount:    &gross,
		Description:    "Usługa serwisowa",
	}
	assert.True(t, e.ruleMatches(rule, inv))

	badNip := *inv
	badNip.ContractorNip = "9994567890"
	assert.False(t, e.ruleMatches(rule, &badNip))

	tooHigh := 900.0
	badAmount := *inv
	badAmount.GrossAmount = &tooHigh
	assert.False(t, e.ruleMatches(rule, &badAmount))

	noAmount := *inv
	noAmount.GrossAmount = nil
	assert.False(t, e.ruleMatches(rule, &noAmount), "amount bounds require a gross amount")

	badKeyword := *inv
	badKeyword.Description = "wynajem"
	assert.False(t, e.ruleMatches(rule, &badKeyword))
}

func TestSuggest_KeywordCaseEndings(t *testing.T) {
	e, _ := newTestEngine(t, Config{Rules: []entity.DescribeRule{
		{Name: "fuel", Keywords: []string{"paliwo", "benzyna"}, Category: "paliwo", Confidence: 90},
	}})

	s := e.Suggest(context.Background(), &entity.Invoice{
		ID:             "x",
		ContractorName: "Stacja BP",
		InvoiceNumber:  "FV/123",
	})
	assert.Equal(t, "none", s.SuggestionSource, "neither keyword present")

	s = e.Suggest(context.Background(), &entity.Invoice{
		ID:          "y",
		Description: "Tankowanie paliwa",
	})
	assert.Equal(t, "rule", s.SuggestionSource)
	assert.Equal(t, "paliwo", s.Category)
	assert.Equal(t, 90, s.Confidence)
	assert.Equal(t, "fuel", s.RuleName)
}

func TestSuggest_HighestConfidenceWins(t *testing.T) {
	e, _ := newTestEngine(t, Config{Rules: []entity.DescribeRule{
		{Name: "always", Category: "inne", Confidence: 95},
	}})
	e.SaveToHistory(approved("1234567890", "paliwo", "", ""))
	e.SaveToHistory(approved("1234567890", "biuro", "", ""))

	// history confidence is 50, the rule's 95 wins
	s := e.Suggest(context.Background(), &entity.Invoice{ID: "x", ContractorNip: "1234567890"})
	assert.Equal(t, "rule", s.SuggestionSource)
	assert.Equal(t, 95, s.Confidence)
}

func TestHistory_PersistsAcrossEngines(t *testing.T) {
	st := store.NewMemoryStore()
	bus := dispatcher.NewDispatcher()
	defer bus.Close()

	e1 := NewEngine(Config{}, st, bus, zap.NewNop())
	e1.SaveToHistory(approved("1234567890", "paliwo", "", ""))
	require.Equal(t, 1, e1.HistoryCount("1234567890"))

	e2 := NewEngine(Config{}, st, bus, zap.NewNop())
	assert.Equal(t, 1, e2.HistoryCount("1234567890"), "history reloads from the store")

	s := e2.Suggest(context.Background(), &entity.Invoice{ID: "x", ContractorNip: "1234567890"})
	assert.Equal(t, "history", s.SuggestionSource)
}

func TestSaveToHistory_NoNipIsNoOp(t *testing.T) {
	e, st := newTestEngine(t, Config{})
	e.SaveToHistory(&entity.Invoice{ID: "x", Category: "paliwo"})

	raw, err := st.GetSetting("describe:contractor_history")
	require.NoError(t, err)
	assert.Nil(t, raw)
}
