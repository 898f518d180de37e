package compliance

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// SuitabilityRule maps a class of symbols to the minimum account suitability
// level required to trade them. Patterns support a trailing '*' wildcard.
type SuitabilityRule struct {
	Pattern  string `yaml:"pattern"`
	MinLevel int    `yaml:"min_level"`
}

// Policy is the symbol-level compliance configuration.
type Policy struct {
	RestrictedSymbols []string          `yaml:"restricted_symbols"`
	Suitability       []SuitabilityRule `yaml:"suitability"`

	restricted map[string]struct{}
}

// DefaultPolicy allows everything with no suitability requirements.
func DefaultPolicy() *Policy {
	p := &Policy{}
	p.index()
	return p
}

// LoadPolicy reads a YAML policy file. A missing path yields the default.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Warn("compliance policy file missing, using defaults")
			return DefaultPolicy(), nil
		}
		return nil, err
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.index()
	log.WithFields(log.Fields{
		"restricted": len(p.RestrictedSymbols), "suitability_rules": len(p.Suitability),
	}).Info("compliance policy loaded")
	return &p, nil
}

func (p *Policy) index() {
	p.restricted = make(map[string]struct{}, len(p.RestrictedSymbols))
	for _, s := range p.RestrictedSymbols {
		p.restricted[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
}

// IsRestricted reports whether trading in the symbol is blocked outright.
func (p *Policy) IsRestricted(symbol string) bool {
	_, ok := p.restricted[strings.ToUpper(symbol)]
	return ok
}

// RequiredSuitability returns the highest minimum level any matching rule
// demands for the symbol, or 0 when unrestricted.
func (p *Policy) RequiredSuitability(symbol string) int {
	symbol = strings.ToUpper(symbol)
	level := 0
	for _, r := range p.Suitability {
		if matchPattern(strings.ToUpper(r.Pattern), symbol) && r.MinLevel > level {
			level = r.MinLevel
		}
	}
	return level
}

func matchPattern(pattern, symbol string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(symbol, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == symbol
}
