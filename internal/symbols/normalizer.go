package symbols

import (
	"strings"
	"sync"

	"github.com/sawpanic/marketfeed/internal/provider"
)

// Rule rewrites a canonical symbol into a vendor's wire form.
type Rule func(symbol string) string

// Normalizer holds one rewrite rule per vendor. Unknown vendors pass
// symbols through unchanged. Safe for concurrent use; rules are installed
// at construction and rarely after.
type Normalizer struct {
	mu    sync.RWMutex
	rules map[provider.ID]Rule
}

// NewNormalizer returns a normalizer preloaded with the built-in vendor
// rulesets.
func NewNormalizer() *Normalizer {
	n := &Normalizer{rules: make(map[provider.ID]Rule)}
	n.Register("alpaca", alpacaRule)
	n.Register("polygon", polygonRule)
	n.Register("yahoo", yahooRule)
	return n
}

// Register installs or replaces the rule for a vendor.
func (n *Normalizer) Register(vendor provider.ID, rule Rule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rules[vendor] = rule
}

// Normalize rewrites symbol for vendor. Pure with respect to its inputs.
func (n *Normalizer) Normalize(symbol string, vendor provider.ID) string {
	n.mu.RLock()
	rule := n.rules[vendor]
	n.mu.RUnlock()

	if rule == nil {
		return symbol
	}
	return rule(symbol)
}

// alpacaRule: bare upper-case US tickers; share classes use dots (BRK.B).
func alpacaRule(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.ReplaceAll(s, "/", ".")
}

// polygonRule: upper-case with all whitespace stripped; dot share classes.
func polygonRule(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.Join(strings.Fields(s), "")
	return strings.ReplaceAll(s, "/", ".")
}

// yahooRule: dash share classes (BRK-B) plus an exchange suffix for
// non-US markets (VOD.L, 7203.T). The suffix comes from a market hint
// embedded as "SYM@MARKET"; bare symbols are treated as US.
func yahooRule(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	market := ""
	if at := strings.LastIndex(s, "@"); at >= 0 {
		market = s[at+1:]
		s = s[:at]
	}

	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, ".", "-")

	if suffix, ok := yahooMarketSuffix[market]; ok {
		s += suffix
	}
	return s
}

// yahooMarketSuffix maps market codes to Yahoo exchange suffixes.
var yahooMarketSuffix = map[string]string{
	"UK": ".L",
	"JP": ".T",
	"DE": ".DE",
	"HK": ".HK",
	"AU": ".AX",
	"CA": ".TO",
}
