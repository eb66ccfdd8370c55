// Package intent maps incoming queries onto the fixed intent taxonomy.
// Classification is deterministic for identical input: a pure keyword scorer
// over an ordered taxonomy, with ties broken by declaration order and low
// confidence degrading to the general label. It never returns an error.
package intent

import (
	"strings"
	"time"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// Channel identifies who is talking to the twin.
type Channel string

const (
	ChannelOwner    Channel = "owner"
	ChannelPublic   Channel = "public"
	ChannelTraining Channel = "training"
)

// Context carries the interaction context supplied by the calling layer.
type Context struct {
	Channel   Channel
	SessionID string
}

// Intent labels, in taxonomy declaration order. Order is load-bearing: ties
// resolve to the earliest declared label.
const (
	LabelSensitiveRefuse    = "sensitive_refuse"
	LabelFactualWithEvidence = "factual_with_evidence"
	LabelAmbiguousClarify   = "ambiguous_clarify"
	LabelTaskExecution      = "task_execution"
	LabelOpinionJudgment    = "opinion_judgment"
	LabelPersonalHistory    = "personal_history"
	LabelMetaPersona        = "meta_persona"
	LabelSmalltalk          = "smalltalk"
	LabelGeneral            = persona.IntentGeneral
)

// labelRule scores one taxonomy entry. Keywords are matched as substrings of
// the lowercased query; each hit contributes its weight.
type labelRule struct {
	label    string
	keywords []string
	weight   float64
}

// taxonomy is the fixed, ordered ruleset. Changing order changes tie-break
// behavior, so additions go at the end.
var taxonomy = []labelRule{
	{LabelSensitiveRefuse, []string{
		"medical advice", "diagnose", "legal advice", "suicide", "self-harm",
		"password", "social security", "home address", "bank account",
	}, 2.0},
	{LabelFactualWithEvidence, []string{
		"what is", "when did", "how many", "how much", "source", "evidence",
		"cite", "according to", "statistics", "data on", "prove",
	}, 1.0},
	{LabelAmbiguousClarify, []string{
		"that thing", "you know what", "the usual", "it again", "same as before",
		"whatever you think",
	}, 1.0},
	{LabelTaskExecution, []string{
		"write me", "draft", "summarize", "translate", "make a list",
		"schedule", "plan", "outline", "compose",
	}, 1.0},
	{LabelOpinionJudgment, []string{
		"what do you think", "your opinion", "do you believe", "better",
		"worse", "should i", "would you", "favorite", "rate",
	}, 1.0},
	{LabelPersonalHistory, []string{
		"remember when", "your childhood", "you grew up", "your career",
		"your first", "back then", "your experience with",
	}, 1.0},
	{LabelMetaPersona, []string{
		"are you real", "are you an ai", "system prompt", "your instructions",
		"how were you made", "ignore your", "pretend you are",
	}, 1.5},
	{LabelSmalltalk, []string{
		"hello", "hi there", "hey", "good morning", "good evening",
		"how are you", "what's up", "nice to meet",
	}, 1.0},
}

// Labels returns the taxonomy labels in declaration order, general last.
func Labels() []string {
	out := make([]string, 0, len(taxonomy)+1)
	for _, r := range taxonomy {
		out = append(out, r.label)
	}
	return append(out, LabelGeneral)
}

// Result is the classification outcome.
type Result struct {
	Label      string
	Confidence float64
}

// Classifier scores queries against the taxonomy.
type Classifier struct {
	minConfidence float64
}

// NewClassifier creates a classifier with the given confidence floor.
func NewClassifier(minConfidence float64) *Classifier {
	return &Classifier{minConfidence: minConfidence}
}

// Classify maps a query to one taxonomy label. Deterministic for identical
// input; degrades to general instead of failing.
func (c *Classifier) Classify(query string, ictx Context) Result {
	timer := logging.StartTimer(logging.CategoryIntent, "Classify")
	defer timer.StopWithThreshold(10 * time.Millisecond)

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Result{Label: LabelGeneral, Confidence: 0}
	}

	var (
		bestLabel string
		bestScore float64
	)
	for _, rule := range taxonomy {
		score := rule.score(q, ictx)
		// Strict comparison: earlier declarations win ties.
		if score > bestScore {
			bestScore = score
			bestLabel = rule.label
		}
	}

	confidence := normalize(bestScore)
	if bestLabel == "" || confidence < c.minConfidence {
		logging.Get(logging.CategoryIntent).Debug(
			"low-confidence classification (%.2f), degrading to %s", confidence, LabelGeneral)
		return Result{Label: LabelGeneral, Confidence: confidence}
	}

	logging.Get(logging.CategoryIntent).Debug("classified %q as %s (%.2f)", query, bestLabel, confidence)
	return Result{Label: bestLabel, Confidence: confidence}
}

// score counts keyword hits weighted by the rule weight. Public-channel
// queries probing the persona's machinery score extra on meta_persona so
// channel isolation cases classify deterministically.
func (r labelRule) score(q string, ictx Context) float64 {
	hits := 0
	for _, kw := range r.keywords {
		if strings.Contains(q, kw) {
			hits++
		}
	}
	score := float64(hits) * r.weight
	if score > 0 && r.label == LabelMetaPersona && ictx.Channel == ChannelPublic {
		score += 0.5
	}
	return score
}

// normalize maps a raw score to (0,1). One unweighted hit lands at 0.33,
// above the default 0.25 floor; a half-hit bias alone stays below it.
func normalize(score float64) float64 {
	if score <= 0 {
		return 0
	}
	return score / (score + 2.0)
}
