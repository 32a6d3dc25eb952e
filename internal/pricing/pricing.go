package pricing

import "strings"

// Unit is the billing granularity an entry is charged in.
type Unit string

const (
	UnitPer1KTokens Unit = "per_1k_tokens"
	UnitPer1MTokens Unit = "per_1m_tokens"
	UnitPerImage    Unit = "per_image"
	UnitPerMinute   Unit = "per_minute"
	UnitPer1KChars  Unit = "per_1k_characters"
)

// TokenDenominator returns the token divisor for token-billed units, or 0
// for flat units.
func (u Unit) TokenDenominator() float64 {
	switch u {
	case UnitPer1KTokens:
		return 1000
	case UnitPer1MTokens:
		return 1000000
	default:
		return 0
	}
}

func (u Unit) IsTokenUnit() bool {
	return u.TokenDenominator() > 0
}

type BillingModel string

const (
	BillingPayPerUse BillingModel = "pay_per_use"
)

// Entry is one model's pricing row. Token-unit entries carry InputRate and
// OutputRate; flat-unit entries carry Cost.
type Entry struct {
	InputRate     float64
	OutputRate    float64
	Cost          float64
	Unit          Unit
	Currency      string
	Billing       BillingModel
	EffectiveDate string
}

// Valid reports whether the entry satisfies the unit/rate invariant.
func (e Entry) Valid() bool {
	if e.Unit.IsTokenUnit() {
		return e.InputRate > 0 || e.OutputRate > 0
	}
	return e.Cost > 0 || e.Unit != ""
}

// Origin describes how a lookup was satisfied.
type Origin string

const (
	OriginExact    Origin = "exact"
	OriginPrefix   Origin = "prefix"
	OriginFallback Origin = "fallback"
)

// Resolution is a pricing lookup result. Fallback resolutions carry the
// provider's hard-coded default tier.
type Resolution struct {
	Model  string
	Entry  Entry
	Origin Origin
}

// HasPricing reports whether the resolution came from a live table entry
// rather than the fallback tier.
func (r Resolution) HasPricing() bool {
	return r.Origin != OriginFallback
}

// Source resolves a model id to a pricing entry. Implementations are
// immutable after construction so tests can substitute fixtures freely.
type Source interface {
	// Lookup returns the live table entry for a model, if one exists.
	Lookup(model string) (Entry, bool)
	// Resolve never fails: on a table miss it returns the fallback tier
	// with Origin set to OriginFallback.
	Resolve(model string) Resolution
}

// StaticSource is a Source backed by an in-memory table plus a fallback
// entry. Construct once at startup via NewStaticSource or a provider
// constructor (OpenAISource, XAISource, AnthropicSource).
type StaticSource struct {
	entries  map[string]Entry
	fallback Entry
}

func NewStaticSource(entries map[string]Entry, fallback Entry) *StaticSource {
	copied := make(map[string]Entry, len(entries))
	for model, entry := range entries {
		copied[strings.ToLower(strings.TrimSpace(model))] = entry
	}
	return &StaticSource{entries: copied, fallback: fallback}
}

func (s *StaticSource) Lookup(model string) (Entry, bool) {
	resolution := s.Resolve(model)
	if resolution.Origin == OriginFallback {
		return Entry{}, false
	}
	return resolution.Entry, true
}

func (s *StaticSource) Resolve(model string) Resolution {
	normalized := NormalizeModel(model)

	if entry, ok := s.entries[strings.ToLower(strings.TrimSpace(model))]; ok {
		return Resolution{Model: normalized, Entry: entry, Origin: OriginExact}
	}
	if entry, ok := s.entries[normalized]; ok {
		return Resolution{Model: normalized, Entry: entry, Origin: OriginExact}
	}

	bestLen := 0
	var bestEntry Entry
	for key, entry := range s.entries {
		if len(key) > bestLen && strings.HasPrefix(normalized, key) {
			bestLen = len(key)
			bestEntry = entry
		}
	}
	if bestLen > 0 {
		return Resolution{Model: normalized, Entry: bestEntry, Origin: OriginPrefix}
	}

	return Resolution{Model: normalized, Entry: s.fallback, Origin: OriginFallback}
}

// Merge returns a copy of the source with overrides applied on top, so
// operators can patch rates from configuration without mutating the
// built-in tables.
func (s *StaticSource) Merge(overrides map[string]Entry) *StaticSource {
	merged := make(map[string]Entry, len(s.entries)+len(overrides))
	for model, entry := range s.entries {
		merged[model] = entry
	}
	for model, entry := range overrides {
		merged[strings.ToLower(strings.TrimSpace(model))] = entry
	}
	return &StaticSource{entries: merged, fallback: s.fallback}
}

// Models returns the table's model ids, for sync snapshots.
func (s *StaticSource) Models() []string {
	models := make([]string, 0, len(s.entries))
	for model := range s.entries {
		models = append(models, model)
	}
	return models
}
