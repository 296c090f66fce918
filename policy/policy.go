// Package policy classifies scrape failures into error kinds and decides,
// per kind and attempt count, whether to retry, call the rule learner or
// give up.
package policy

// Kind is an error kind as stored in dashboard records.
type Kind string

const (
	HTTP404          Kind = "HTTP_404"
	HTTP503          Kind = "HTTP_503"
	HTTP504          Kind = "HTTP_504"
	Timeout          Kind = "TIMEOUT"
	EpisodesNotFound Kind = "EPISODES_NOT_FOUND"
	SelectorFailed   Kind = "SELECTOR_FAILED"
	StructureChanged Kind = "STRUCTURE_CHANGED"
	AnimeNotFound    Kind = "ANIME_NOT_FOUND"
	CatalogFailure   Kind = "CATALOG_FAILURE"
	AIFailure        Kind = "AI_FAILURE"
	Unknown          Kind = "UNKNOWN"
)

// Category groups kinds by how they are handled.
type Category string

const (
	TransientNetwork Category = "transient_network"
	StructuralBreak  Category = "structural_break"
	TitleUnresolved  Category = "title_unresolved"
	CatalogTransient Category = "catalog_transient"
	OracleFailure    Category = "oracle_failure"
	Unclassified     Category = "unknown"
)

// Category returns the taxonomy group of k.
func (k Kind) Category() Category {
	switch k {
	case HTTP404, HTTP503, HTTP504, Timeout:
		return TransientNetwork
	case EpisodesNotFound, SelectorFailed, StructureChanged:
		return StructuralBreak
	case AnimeNotFound:
		return TitleUnresolved
	case CatalogFailure:
		return CatalogTransient
	case AIFailure:
		return OracleFailure
	}
	return Unclassified
}

// Structural reports whether k means the page layout broke.
func (k Kind) Structural() bool {
	return k.Category() == StructuralBreak
}

// AIEligible reports whether the rule learner can act on k.
func (k Kind) AIEligible() bool {
	c := k.Category()
	return c == StructuralBreak || c == TitleUnresolved
}

// RetainsMarkup reports whether records of kind k keep the page markup.
func (k Kind) RetainsMarkup() bool {
	return k.Structural()
}

// Action is what to do about an error.
type Action string

const (
	Retry  Action = "retry"
	CallAI Action = "call_ai"
	Ignore Action = "ignore"
)

var table = map[Category]Action{
	TransientNetwork: Retry,
	StructuralBreak:  CallAI,
	TitleUnresolved:  CallAI,
	CatalogTransient: Retry,
	OracleFailure:    Ignore,
	Unclassified:     Ignore,
}

// Policy gates table actions by attempt count.
type Policy struct {
	// MaxRetries is the highest attempt count at which Retry still applies.
	MaxRetries int
	// MaxAIAttempts is the highest attempt count at which structural
	// kinds may still call the learner. Title kinds are exempt.
	MaxAIAttempts int
}

// Default returns the standard policy.
func Default() Policy {
	return Policy{MaxRetries: 2, MaxAIAttempts: 1}
}

// Base returns the table action for k before attempt gating.
func Base(k Kind) Action {
	if a, ok := table[k.Category()]; ok {
		return a
	}
	return Ignore
}

// Decide returns the action for an error of kind k seen attempts times.
func (p Policy) Decide(k Kind, attempts int) Action {
	action := Base(k)

	switch action {
	case Retry:
		if attempts > p.MaxRetries {
			return Ignore
		}
	case CallAI:
		if k.Category() != TitleUnresolved && attempts > p.MaxAIAttempts {
			return Ignore
		}
	}
	return action
}
