package icd10

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a lowercase phrase to a code.
type Rule struct {
	Phrase string `yaml:"phrase"`
	Code   string `yaml:"code"`
}

// RuleTable is an ordered, immutable phrase table. Earlier rules win.
type RuleTable struct {
	rules []Rule
}

// NewRuleTable copies rules into a table. Phrases are lowercased.
func NewRuleTable(rules []Rule) RuleTable {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{Phrase: strings.ToLower(r.Phrase), Code: r.Code})
	}
	return RuleTable{rules: out}
}

// DefaultRules returns the curated Dupixent table.
func DefaultRules() RuleTable {
	return NewRuleTable([]Rule{
		{Phrase: "atopic dermatitis", Code: "L20.9"},
		{Phrase: "chronic spontaneous urticaria", Code: "L50.1"},
		{Phrase: "asthma", Code: "J45.909"},
		{Phrase: "eosinophilic esophagitis", Code: "K20.0"},
		{Phrase: "chronic rhinosinusitis with nasal polyps", Code: "J33.9"},
		{Phrase: "prurigo nodularis", Code: "L28.1"},
		{Phrase: "chronic obstructive pulmonary disease", Code: "J44.9"},
	})
}

// Lookup returns the code of the first rule whose phrase occurs in text.
func (t RuleTable) Lookup(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, r := range t.rules {
		if strings.Contains(lower, r.Phrase) {
			return r.Code, true
		}
	}
	return "", false
}

// Len returns the number of rules.
func (t RuleTable) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the rules in precedence order.
func (t RuleTable) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a rule table from a YAML file of the form
//
//	rules:
//	  - phrase: atopic dermatitis
//	    code: L20.9
//
// List order is precedence order.
func LoadRules(path string) (RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleTable{}, fmt.Errorf("read rules: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return RuleTable{}, fmt.Errorf("parse rules: %w", err)
	}

	for i, r := range f.Rules {
		if strings.TrimSpace(r.Phrase) == "" {
			return RuleTable{}, fmt.Errorf("rule %d: empty phrase", i)
		}
		if strings.TrimSpace(r.Code) == "" {
			return RuleTable{}, fmt.Errorf("rule %d (%q): empty code", i, r.Phrase)
		}
		f.Rules[i].Phrase = strings.TrimSpace(r.Phrase)
		f.Rules[i].Code = strings.TrimSpace(r.Code)
	}

	return NewRuleTable(f.Rules), nil
}
