package rules

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"animeheal/llm"
	"animeheal/metrics"
)

// Learning failures. Errors returned by Learn wrap exactly one of these.
// ErrPersistence means the rule store could not be read or written; unlike
// the others it is not a verdict on the oracle's answer.
var (
	ErrPersistence       = errors.New("rule store unavailable")
	ErrMissingMarkup     = errors.New("page markup required")
	ErrOracleFailure     = errors.New("oracle call failed")
	ErrInvalidResponse   = errors.New("malformed oracle response")
	ErrLowConfidence     = errors.New("oracle confidence below threshold")
	ErrTypeMismatch      = errors.New("response type does not match stage")
	ErrNormalization     = errors.New("response could not be normalized")
	ErrValidatorRejected = errors.New("learned strategy rejected by validator")
)

// Reason names the learning failure wrapped by err, for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrMissingMarkup):
		return "missing_markup"
	case errors.Is(err, ErrOracleFailure):
		return "oracle_failure"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrLowConfidence):
		return "low_confidence"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrNormalization):
		return "normalization"
	case errors.Is(err, ErrValidatorRejected):
		return "validator_rejected"
	}
	return "error"
}

// MaxMarkupBytes caps the markup sent to the oracle.
const MaxMarkupBytes = 120000

// Response types the oracle may declare.
const (
	TypeSelectorFix  = "selector_fix"
	TypeEpisodeList  = "episode_list"
	TypeTitleMapping = "title_mapping"
)

// PlayerAttr is the attribute holding encoded player links on player pages.
const PlayerAttr = "data-blogger-url-encrypted"

// Oracle answers an analysis prompt with text that should hold a JSON
// object. *llm.Pool satisfies it.
type Oracle interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Thresholds gate what the learner accepts.
type Thresholds struct {
	Structural      float64 // minimum confidence for structural stages
	Title           float64 // minimum confidence for title mapping
	MinLearnedScore float64 // floor for the score of a learned strategy
}

// DefaultThresholds returns the standard gating values.
func DefaultThresholds() Thresholds {
	return Thresholds{Structural: 0.55, Title: 0.30, MinLearnedScore: 0.6}
}

// LearnContext describes the failure the learner is asked to repair.
type LearnContext struct {
	Anime     string
	URL       string
	Stage     string // an extraction target or StageTitle
	ErrorType string
	Markup    string
	Attempts  int
}

// Learn statuses
const (
	StatusLearned = "learned"
	StatusExists  = "exists"
)

// TitleMapping is the catalog title the oracle proposed for a scraped one.
type TitleMapping struct {
	MatchTitle string  `json:"match_title"`
	Confidence float64 `json:"confidence"`
	URL        string  `json:"url,omitempty"`
}

// Outcome is the result of a successful Learn call.
type Outcome struct {
	Status   string
	Target   Target
	Strategy *Strategy
	Title    *TitleMapping
}

// inferred is the oracle's reply. Pointer fields detect missing keys.
type inferred struct {
	Type       *string         `json:"type"`
	Confidence *float64        `json:"confidence"`
	Rules      json.RawMessage `json:"rules"`
}

type inferredRules struct {
	CSS         string `json:"css"`
	XPath       string `json:"xpath"`
	Regex       string `json:"regex"`
	Title       string `json:"title"`
	MappedTitle string `json:"mapped_title"`
	URL         string `json:"url"`
}

// Learner asks an oracle for a new rule after an extraction break, checks
// the answer and stores it.
type Learner struct {
	oracle     Oracle
	store      *Store
	thresholds Thresholds
	logger     *slog.Logger
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithThresholds overrides the default gating values.
func WithThresholds(t Thresholds) LearnerOption {
	return func(l *Learner) { l.thresholds = t }
}

// WithLearnerLogger sets the learner's logger.
func WithLearnerLogger(lg *slog.Logger) LearnerOption {
	return func(l *Learner) { l.logger = lg }
}

// NewLearner creates a learner that stores strategies in store.
func NewLearner(oracle Oracle, store *Store, opts ...LearnerOption) *Learner {
	l := &Learner{
		oracle:     oracle,
		store:      store,
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Learn runs one inference for lc. Title mappings are returned but not
// stored. Structural strategies are stored unless an equivalent one exists.
func (l *Learner) Learn(ctx context.Context, lc LearnContext) (Outcome, error) {
	out, err := l.learn(ctx, lc)
	result := out.Status
	if err != nil {
		result = Reason(err)
		l.logger.Warn("rule learning failed", "stage", lc.Stage, "url", lc.URL, "reason", result, "error", err)
	} else {
		l.logger.Info("rule learning succeeded", "stage", lc.Stage, "url", lc.URL, "status", out.Status)
	}
	metrics.LearnerOutcomes.WithLabelValues(lc.Stage, result).Inc()
	return out, err
}

func (l *Learner) learn(ctx context.Context, lc LearnContext) (Outcome, error) {
	isTitle := lc.Stage == StageTitle
	if !isTitle && lc.Markup == "" {
		return Outcome{}, fmt.Errorf("%w: stage %s", ErrMissingMarkup, lc.Stage)
	}

	prompt, err := buildPrompt(lc)
	if err != nil {
		return Outcome{}, err
	}

	reply, err := l.oracle.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrOracleFailure, err)
	}

	resp, rules, err := parseInferred(reply)
	if err != nil {
		return Outcome{}, err
	}

	minConf := l.thresholds.Structural
	if isTitle {
		minConf = l.thresholds.Title
	}
	if *resp.Confidence < minConf {
		return Outcome{}, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, *resp.Confidence, minConf)
	}

	if !typeMatchesStage(*resp.Type, lc.Stage) {
		return Outcome{}, fmt.Errorf("%w: %q for %s", ErrTypeMismatch, *resp.Type, lc.Stage)
	}

	if isTitle {
		title := rules.Title
		if title == "" {
			title = rules.MappedTitle
		}
		if title == "" {
			return Outcome{}, fmt.Errorf("%w: no title in response", ErrNormalization)
		}
		mapping := &TitleMapping{MatchTitle: title, Confidence: *resp.Confidence, URL: rules.URL}
		if mapping.URL == "" {
			mapping.URL = lc.URL
		}
		return Outcome{Status: StatusLearned, Title: mapping}, nil
	}

	target := Target(lc.Stage)
	st, err := l.normalize(target, rules, *resp.Confidence)
	if err != nil {
		return Outcome{}, err
	}

	if err := Check(target, st); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrValidatorRejected, err)
	}

	existing, found, err := l.store.FindByMatch(target, st.Match.Key())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if found {
		return Outcome{Status: StatusExists, Target: target, Strategy: &existing}, nil
	}

	if err := l.store.AddStrategy(target, st); err != nil {
		return Outcome{}, fmt.Errorf("%w: storing learned strategy: %w", ErrPersistence, err)
	}
	return Outcome{Status: StatusLearned, Target: target, Strategy: &st}, nil
}

func parseInferred(reply string) (inferred, inferredRules, error) {
	var resp inferred
	var rules inferredRules

	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return resp, rules, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return resp, rules, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if resp.Type == nil || resp.Confidence == nil || len(resp.Rules) == 0 {
		return resp, rules, fmt.Errorf("%w: type, confidence and rules are required", ErrInvalidResponse)
	}
	if err := json.Unmarshal(resp.Rules, &rules); err != nil {
		return resp, rules, fmt.Errorf("%w: rules is not an object: %w", ErrInvalidResponse, err)
	}
	return resp, rules, nil
}

func typeMatchesStage(typ, stage string) bool {
	if stage == StageTitle {
		return typ == TypeTitleMapping
	}
	if Target(stage).Valid() {
		return typ == TypeSelectorFix || typ == TypeEpisodeList
	}
	return false
}

// normalize turns the oracle's rules into a stored strategy for target.
func (l *Learner) normalize(target Target, r inferredRules, confidence float64) (Strategy, error) {
	var m Match

	switch target {
	case ListPage:
		if r.CSS == "" {
			return Strategy{}, l.missing(target, "css", r)
		}
		m = SelectorMatch{
			Root: r.CSS,
			Fields: map[string]Field{
				"title": {Selector: "h3", Extract: ExtractText},
				"link":  {Selector: "a", Extract: ExtractAttr, Attr: "href"},
			},
		}
	case DetailPage:
		if r.Regex == "" {
			return Strategy{}, l.missing(target, "regex", r)
		}
		m = PatternMatch{Pattern: r.Regex}
	case PlayerPage:
		if r.CSS == "" {
			return Strategy{}, l.missing(target, "css", r)
		}
		m = SelectorMatch{
			Root: r.CSS,
			Fields: map[string]Field{
				"player": {Extract: ExtractAttr, Attr: PlayerAttr},
			},
		}
	default:
		return Strategy{}, fmt.Errorf("%w: unknown target %q", ErrNormalization, target)
	}

	return Strategy{
		Name:   learnedName(target, m),
		Score:  math.Max(confidence, l.thresholds.MinLearnedScore),
		Source: SourceAI,
		Match:  m,
	}, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (l *Learner) missing(target Target, key string, r inferredRules) error {
	if r.XPath != "" {
		return fmt.Errorf("%w: %s needs %s, xpath is not supported", ErrNormalization, target, key)
	}
	return fmt.Errorf("%w: %s needs %s", ErrNormalization, target, key)
}

// learnedName derives a stable, collision-free name from the match condition.
func learnedName(target Target, m Match) string {
	sum := md5.Sum([]byte(m.Key()))
	return "ai_" + string(target) + "_" + hex.EncodeToString(sum[:])[:8]
}

const systemPrompt = `You are a technical analyzer of HTML and JavaScript.
Your task is to identify stable structural patterns.
Return ONLY valid JSON.
Do not explain.
Do not use markdown.
Do not invent data.
Do not include any text outside the JSON.

The JSON object always has this shape:
{"type": "<selector_fix|episode_list|title_mapping>", "confidence": <0.0-1.0>, "rules": {...}}`

func buildPrompt(lc LearnContext) (string, error) {
	if lc.Stage == StageTitle {
		return fmt.Sprintf(`An anime scraped from a streaming site could not be found in the AniList catalog.
Scraped title: %q
Page: %s

Return the title AniList most likely lists it under.
Respond with {"type": "title_mapping", "confidence": <0.0-1.0>, "rules": {"title": "<catalog title>"}}`,
			lc.Anime, lc.URL), nil
	}

	var instruction string
	switch Target(lc.Stage) {
	case ListPage:
		instruction = `This is a page listing anime titles.
Identify the main repeated card element, one per title.
Each card contains an h3 with the title and a link to the title's page.
Respond with {"type": "selector_fix", "confidence": <0.0-1.0>, "rules": {"css": "<card selector>"}}`
	case DetailPage:
		instruction = `This is an anime page.
Identify where the episodes are defined. Prefer data embedded in JavaScript.
Give a regular expression whose first capture group is a JSON array of episode objects.
Respond with {"type": "episode_list", "confidence": <0.0-1.0>, "rules": {"regex": "<pattern>"}}`
	case PlayerPage:
		instruction = `This is an episode page.
Identify the elements carrying the encrypted player URL in the ` + PlayerAttr + ` attribute.
Respond with {"type": "selector_fix", "confidence": <0.0-1.0>, "rules": {"css": "<element selector>"}}`
	default:
		return "", fmt.Errorf("%w: unknown stage %q", ErrTypeMismatch, lc.Stage)
	}

	markup := truncate(lc.Markup, MaxMarkupBytes)

	prompt := instruction
	if lc.Anime != "" {
		prompt += "\nAnime: " + lc.Anime
	}
	if lc.URL != "" {
		prompt += "\nURL: " + lc.URL
	}
	return prompt + "\n\nHTML:\n" + markup, nil
}
