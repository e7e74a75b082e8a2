package describe

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/exef-pl/faktury/internal/domain/entity"
)

// suggestFromRules evaluates the rule list in order; the first matching rule
// wins. Every non-zero predicate of a rule must hold.
func (e *Engine) suggestFromRules(inv *entity.Invoice) *entity.Suggestion {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if !e.ruleMatches(rule, inv) {
			continue
		}
		return &entity.Suggestion{
			SuggestionSource: "rule",
			Category:         rule.Category,
			MPK:              rule.MPK,
			Description:      rule.Description,
			Confidence:       rule.Confidence,
			BasedOn:          1,
			RuleName:         rule.Name,
		}
	}
	return nil
}

func (e *Engine) ruleMatches(rule entity.DescribeRule, inv *entity.Invoice) bool {
	if rule.NipPattern != "" {
		re, err := regexp.Compile(rule.NipPattern)
		if err != nil {
			e.logger.Warn("Invalid NIP pattern in rule",
				zap.String("rule", rule.Name), zap.Error(err))
			return false
		}
		if !re.MatchString(contractorNip(inv)) {
			return false
		}
	}

	if rule.NamePattern != "" {
		name := inv.ContractorName
		if name == "" && inv.ParsedData != nil {
			name = inv.ParsedData.SellerName
		}
		if !strings.Contains(strings.ToLower(name), strings.ToLower(rule.NamePattern)) {
			return false
		}
	}

	if rule.AmountMin != nil || rule.AmountMax != nil {
		gross := grossAmount(inv)
		if gross == nil {
			return false
		}
		if rule.AmountMin != nil && *gross < *rule.AmountMin {
			return false
		}
		if rule.AmountMax != nil && *gross > *rule.AmountMax {
			return false
		}
	}

	if len(rule.Keywords) > 0 && !keywordMatch(rule.Keywords, inv) {
		return false
	}

	return true
}

// keywordMatch checks case-insensitive substring matches against the joined
// searchable invoice fields. Any one keyword is enough. Longer keywords also
// match with their final rune dropped, which tolerates Polish case endings
// ("paliwo" matches "Tankowanie paliwa").
func keywordMatch(keywords []string, inv *entity.Invoice) bool {
	sellerName := ""
	if inv.ParsedData != nil {
		sellerName = inv.ParsedData.SellerName
	}
	haystack := strings.ToLower(strings.Join([]string{
		inv.InvoiceNumber,
		inv.ContractorName,
		sellerName,
		inv.Description,
	}, "|"))

	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		k := strings.ToLower(kw)
		if strings.Contains(haystack, k) {
			return true
		}
		if runes := []rune(k); len(runes) > 4 && strings.Contains(haystack, string(runes[:len(runes)-1])) {
			return true
		}
	}
	return false
}
