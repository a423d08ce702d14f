package triage

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Token is the canonical reading of an inbound message for the active step.
type Token string

const (
	// TokenOption is an exact menu choice on the area step.
	TokenOption Token = "option"
	// TokenToday means the arrest happened today.
	TokenToday Token = "today"
	// TokenNegative is a "no" answer.
	TokenNegative Token = "negative"
	// TokenAffirmative is a "yes" answer.
	TokenAffirmative Token = "affirmative"
	// TokenSwitch means the sender wants to replace their current lawyer.
	TokenSwitch Token = "switch"
	// TokenFreeText is a free-text submission on a data collection step.
	TokenFreeText Token = "free_text"
	// TokenUnmatched is anything no rule recognised; the step's default branch applies.
	TokenUnmatched Token = "unmatched"
)

// Input is a normalized inbound message.
type Input struct {
	Token Token
	// Area is only set on the area step; unmatched text maps to AreaOther.
	Area models.Area
	// Text is the original message, trimmed.
	Text string
}

// Rule maps a set of substring triggers to a token for one step.
// Rules are evaluated in order and the first match wins.
type Rule struct {
	Step     models.Step
	Triggers []string
	Token    Token
}

// DefaultAreaOptions is the numeric menu table for the area step.
var DefaultAreaOptions = map[string]models.Area{
	"1": models.AreaCriminal,
	"2": models.AreaFamily,
	"3": models.AreaCivil,
	"4": models.AreaLabor,
	"5": models.AreaOther,
}

// DefaultRules is the keyword vocabulary for the yes/no style steps.
var DefaultRules = []Rule{
	{Step: models.StepPrisonStatus, Triggers: []string{"hoje"}, Token: TokenToday},
	{Step: models.StepCustody, Triggers: []string{"não"}, Token: TokenNegative},
	{Step: models.StepCallPermission, Triggers: []string{"sim"}, Token: TokenAffirmative},
	{Step: models.StepHasLawyer, Triggers: []string{"não"}, Token: TokenNegative},
	{Step: models.StepLawyerSwitch, Triggers: []string{"troca"}, Token: TokenSwitch},
}

// Normalizer maps raw text to a Token for the current step.
type Normalizer struct {
	areaOptions map[string]models.Area
	rules       []Rule
}

// NewNormalizer builds a normalizer from an area table and an ordered rule list.
// Triggers are folded once here so matching is accent and case insensitive.
func NewNormalizer(areaOptions map[string]models.Area, rules []Rule) *Normalizer {
	folded := make([]Rule, 0, len(rules))
	for _, r := range rules {
		triggers := make([]string, 0, len(r.Triggers))
		for _, t := range r.Triggers {
			if f := Fold(t); f != "" {
				triggers = append(triggers, f)
			}
		}
		folded = append(folded, Rule{Step: r.Step, Triggers: triggers, Token: r.Token})
	}
	options := make(map[string]models.Area, len(areaOptions))
	for k, v := range areaOptions {
		options[strings.TrimSpace(k)] = v
	}
	return &Normalizer{areaOptions: options, rules: folded}
}

// NewDefaultNormalizer returns the normalizer with the office's standard vocabulary.
func NewDefaultNormalizer() *Normalizer {
	return NewNormalizer(DefaultAreaOptions, DefaultRules)
}

// Rules returns the folded rule list in evaluation order.
func (n *Normalizer) Rules() []Rule {
	out := make([]Rule, len(n.rules))
	copy(out, n.rules)
	return out
}

// Normalize reads raw for the given step. An empty step means the sender has no session.
func (n *Normalizer) Normalize(step models.Step, raw string) Input {
	text := strings.TrimSpace(raw)
	in := Input{Token: TokenUnmatched, Text: text}

	switch step {
	case "":
		return in
	case models.StepArea:
		if area, ok := n.areaOptions[text]; ok {
			in.Token = TokenOption
			in.Area = area
		} else {
			in.Area = models.AreaOther
		}
		return in
	case models.StepLeadData, models.StepProcessData:
		in.Token = TokenFreeText
		return in
	}

	folded := Fold(text)
	for _, r := range n.rules {
		if r.Step != step {
			continue
		}
		for _, trigger := range r.Triggers {
			if strings.Contains(folded, trigger) {
				in.Token = r.Token
				return in
			}
		}
	}
	return in
}

// Fold lower-cases s, strips diacritics and trims surrounding space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}
