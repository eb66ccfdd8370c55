// Package pipeline orchestrates one twin response end to end: intent
// classification, persona compilation, rendering, grounding retrieval,
// realization, the deterministic gate, the judge panel, at most one rewrite,
// and the fail-safe. The pipeline never surfaces an unvetted draft: anything
// that cannot be verified in-budget degrades to the canned response.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"twincore/internal/compiler"
	"twincore/internal/config"
	"twincore/internal/gate"
	"twincore/internal/intent"
	"twincore/internal/judge"
	"twincore/internal/logging"
	"twincore/internal/persona"
	"twincore/internal/render"
	"twincore/internal/retrieval"
	"twincore/internal/rewrite"
	"twincore/internal/store"
)

// FailSafeText is the canned response served whenever enforcement cannot
// vouch for a draft. Deliberately persona-neutral.
const FailSafeText = "I want to give you a proper answer on this one and I don't have it at hand right now. Let me come back to you."

// Store is the persistence surface the pipeline needs. *store.LocalStore
// implements it.
type Store interface {
	ActiveSpec(ctx context.Context, twinID string) (*persona.Spec, error)
	TwinSettings(ctx context.Context, twinID string) (string, error)
	PromptVariant(ctx context.Context, twinID string) (string, error)
	ActiveModules(ctx context.Context, twinID, intentLabel string) ([]persona.Module, error)
	GroundingRecords(ctx context.Context, twinID string) ([]retrieval.Record, error)
	AppendGateDecision(ctx context.Context, traceID, twinID string, d gate.Decision) error
	AppendJudgeResult(ctx context.Context, traceID, twinID, phase string, r *judge.Result) error
}

// Embedder is the optional query-embedding capability for vector-tier
// grounding. *llm.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Pipeline wires the stages together. Construct once, share across requests.
type Pipeline struct {
	cfg        *config.Config
	store      Store
	classifier *intent.Classifier
	compiler   *compiler.Compiler
	realizer   judge.LLMClient
	panel      *judge.Panel
	rewriter   *rewrite.Engine
	embedder   Embedder // may be nil
}

// New builds a pipeline. realizer answers as the persona; judgeLLM scores
// drafts and writes rewrites, typically on a cheaper model. embedder may be
// nil, which restricts vector-tier grounding to lexical overlap.
func New(cfg *config.Config, st Store, realizer, judgeLLM judge.LLMClient, judgeModel string, embedder Embedder) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		classifier: intent.NewClassifier(cfg.Pipeline.IntentMinConfidence),
		compiler:   compiler.New(st),
		realizer:   realizer,
		panel: judge.NewPanel(judgeLLM, judgeModel, judge.Weights{
			Structure: cfg.Pipeline.StructureWeight,
			Voice:     cfg.Pipeline.VoiceWeight,
		}),
		rewriter: rewrite.New(judgeLLM),
		embedder: embedder,
	}
}

// Respond runs the full pipeline for one query. The returned response is
// always safe to surface; errors are reserved for infrastructure failures
// where not even the fail-safe could be produced coherently.
func (p *Pipeline) Respond(ctx context.Context, twinID, query string, ictx intent.Context) (*Response, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Respond")
	defer timer.Stop()

	trace := &Trace{
		TraceID:   uuid.NewString(),
		TwinID:    twinID,
		CreatedAt: time.Now().UTC(),
	}

	cls := p.classifier.Classify(query, ictx)
	trace.IntentLabel = cls.Label
	trace.IntentConfidence = cls.Confidence
	logging.PipelineDebug("trace=%s intent=%s confidence=%.2f", trace.TraceID, cls.Label, cls.Confidence)

	spec, err := p.store.ActiveSpec(ctx, twinID)
	if errors.Is(err, store.ErrNotFound) {
		return p.respondLegacy(ctx, twinID, query, trace)
	}
	if err != nil {
		return nil, err
	}
	trace.PersonaSpecVersion = spec.Version

	plan, err := p.compiler.CompileForIntent(ctx, spec, cls.Label)
	if err != nil {
		// Compilation failure degrades to the legacy prompt, not the
		// fail-safe: the twin can still answer, just without the compiled
		// persona. The empty spec version marks the degradation.
		logging.Get(logging.CategoryPipeline).Error("trace=%s compile failed, using legacy prompt: %v", trace.TraceID, err)
		trace.PersonaSpecVersion = ""
		return p.respondLegacy(ctx, twinID, query, trace)
	}
	trace.ModuleIDs = plan.ModuleIDs()

	variantRaw, err := p.store.PromptVariant(ctx, twinID)
	if err != nil {
		return nil, err
	}
	variant := render.Normalize(variantRaw)
	trace.PersonaPromptVariant = string(variant)

	personaPrompt, err := render.Render(plan, variant)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("trace=%s render failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}

	if block := p.grounding(ctx, twinID, query, trace); block != "" {
		personaPrompt += "\n" + block
	}

	draft, err := p.realize(ctx, personaPrompt, query)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("trace=%s realizer failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}

	g := gate.New(spec, p.cfg.Pipeline.TerseMultiplier)
	decision := g.Check(draft)
	trace.DeterministicGatePassed = decision.Passed
	trace.GateFailingChecks = decision.FailingChecks
	if err := p.store.AppendGateDecision(ctx, trace.TraceID, twinID, decision); err != nil {
		logging.Get(logging.CategoryStore).Error("trace=%s gate audit append failed: %v", trace.TraceID, err)
	}

	// A gate failure is structural and non-negotiable: no rewrite attempt,
	// straight to the fail-safe.
	if !decision.Passed {
		logging.Gate("trace=%s gate failed: %v", trace.TraceID, decision.FailingChecks)
		return p.failSafe(trace), nil
	}

	ev, err := p.judgeAndRecord(ctx, twinID, trace.TraceID, "draft", draft, spec, decision)
	if err != nil {
		logging.Get(logging.CategoryJudge).Warn("trace=%s draft evaluation failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}
	trace.StructurePolicyScore = ev.Structure.Score
	trace.VoiceScore = ev.Voice.Score
	trace.DraftPersonaScore = ev.Aggregate
	trace.ViolatedClauseIDs = ev.ViolatedClauseIDs()

	if ev.Aggregate >= p.cfg.Pipeline.RewriteThreshold {
		trace.FinalPersonaScore = ev.Aggregate
		trace.Outcome = OutcomeOK
		p.emit(trace)
		return &Response{Text: draft, Trace: trace}, nil
	}

	// One rewrite, then done. The rewritten draft faces the same gate and
	// panel; a second shortfall degrades to the fail-safe.
	logging.Get(logging.CategoryRewrite).Info("trace=%s aggregate %.2f below threshold %.2f, rewriting",
		trace.TraceID, ev.Aggregate, p.cfg.Pipeline.RewriteThreshold)

	rewritten, err := p.rewriter.Rewrite(ctx, personaPrompt, draft, spec, ev)
	if err != nil {
		logging.Get(logging.CategoryRewrite).Warn("trace=%s rewrite failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}
	trace.RewriteReasonCategories = rewrite.ReasonCategories(spec, ev.ViolatedClauseIDs())

	reDecision := g.Check(rewritten)
	if err := p.store.AppendGateDecision(ctx, trace.TraceID, twinID, reDecision); err != nil {
		logging.Get(logging.CategoryStore).Error("trace=%s rewrite gate audit append failed: %v", trace.TraceID, err)
	}
	if !reDecision.Passed {
		logging.Gate("trace=%s rewrite failed gate: %v", trace.TraceID, reDecision.FailingChecks)
		return p.failSafe(trace), nil
	}

	reEv, err := p.judgeAndRecord(ctx, twinID, trace.TraceID, "rewrite", rewritten, spec, reDecision)
	if err != nil {
		logging.Get(logging.CategoryJudge).Warn("trace=%s rewrite evaluation failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}
	if reEv.Aggregate < p.cfg.Pipeline.RewriteThreshold {
		logging.Get(logging.CategoryRewrite).Warn("trace=%s rewrite still below threshold (%.2f)", trace.TraceID, reEv.Aggregate)
		return p.failSafe(trace), nil
	}

	trace.RewriteApplied = true
	trace.FinalPersonaScore = reEv.Aggregate
	trace.Outcome = OutcomeRewritten
	p.emit(trace)
	return &Response{Text: rewritten, Trace: trace}, nil
}

// respondLegacy serves twins that predate versioned specs: the prompt is
// compiled from unstructured settings text and no enforcement runs, because
// there are no declared clauses to enforce. The trace carries an empty spec
// version so downstream analysis can tell these apart.
func (p *Pipeline) respondLegacy(ctx context.Context, twinID, query string, trace *Trace) (*Response, error) {
	settings, err := p.store.TwinSettings(ctx, twinID)
	if err != nil {
		return nil, err
	}

	prompt := compiler.BuildLegacyPrompt(twinID, settings)
	draft, err := p.realize(ctx, prompt, query)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("trace=%s legacy realizer failed: %v", trace.TraceID, err)
		return p.failSafe(trace), nil
	}

	trace.DeterministicGatePassed = true
	trace.Outcome = OutcomeOK
	p.emit(trace)
	return &Response{Text: draft, Trace: trace}, nil
}

// grounding selects authoritative context for the query and updates the
// trace. Retrieval failures are logged and ignored: a response without
// grounding beats no response.
func (p *Pipeline) grounding(ctx context.Context, twinID, query string, trace *Trace) string {
	records, err := p.store.GroundingRecords(ctx, twinID)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("trace=%s grounding load failed: %v", trace.TraceID, err)
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	var queryEmbedding []float32
	if p.embedder != nil {
		queryEmbedding, err = p.embedder.Embed(ctx, p.cfg.LLM.EmbeddingModel, query)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Debug("trace=%s query embedding failed, lexical only: %v", trace.TraceID, err)
			queryEmbedding = nil
		}
	}

	match := retrieval.Select(records, query, queryEmbedding, p.cfg.Pipeline.RetrievalMinRelevance)
	if match == nil {
		return ""
	}
	trace.GroundingTier = retrieval.TierName(match.Record.Tier)
	return retrieval.GroundingBlock(match)
}

func (p *Pipeline) realize(ctx context.Context, personaPrompt, query string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout())
	defer cancel()
	return p.realizer.CompleteWithSystem(rctx, personaPrompt, query)
}

func (p *Pipeline) judgeAndRecord(ctx context.Context, twinID, traceID, phase, draft string, spec *persona.Spec, d gate.Decision) (*judge.Evaluation, error) {
	jctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout())
	defer cancel()

	ev, err := p.panel.Evaluate(jctx, draft, spec, d)
	if err != nil {
		return nil, err
	}
	for _, r := range []*judge.Result{ev.Structure, ev.Voice} {
		if err := p.store.AppendJudgeResult(ctx, traceID, twinID, phase, r); err != nil {
			logging.Get(logging.CategoryStore).Error("trace=%s judge audit append failed: %v", traceID, err)
		}
	}
	return ev, nil
}

// failSafe finalizes a trace into the canned response. RewriteApplied stays
// false even when a rewrite was attempted: the flag records what was served,
// not what was tried.
func (p *Pipeline) failSafe(trace *Trace) *Response {
	trace.Outcome = OutcomeFailSafe
	trace.RewriteApplied = false
	trace.FinalPersonaScore = 0
	p.emit(trace)
	return &Response{Text: FailSafeText, Trace: trace}
}

func (p *Pipeline) emit(trace *Trace) {
	logging.Pipeline("trace=%s twin=%s intent=%s spec=%s variant=%s gate=%t draft=%.2f final=%.2f rewrite=%t outcome=%s",
		trace.TraceID, trace.TwinID, trace.IntentLabel, trace.PersonaSpecVersion, trace.PersonaPromptVariant,
		trace.DeterministicGatePassed, trace.DraftPersonaScore, trace.FinalPersonaScore,
		trace.RewriteApplied, trace.Outcome)
}
