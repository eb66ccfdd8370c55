// Package regression runs labeled prompt datasets through the response
// pipeline and scores the outcomes against configured thresholds. The gate
// verdict it produces is what release tooling keys on before activating a
// new spec version or prompt variant.
package regression

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"twincore/internal/config"
	"twincore/internal/intent"
	"twincore/internal/logging"
	"twincore/internal/pipeline"
)

// Case is one labeled regression case. ExpectedClauses lists clause ids the
// served response must satisfy, meaning they may not appear among the final
// violations.
type Case struct {
	ID              string   `yaml:"id"`
	Prompt          string   `yaml:"prompt"`
	Channel         string   `yaml:"channel"` // owner, public, training
	ExpectedIntent  string   `yaml:"expected_intent,omitempty"`
	ExpectedClauses []string `yaml:"expected_clauses,omitempty"`
	Adversarial     bool     `yaml:"adversarial,omitempty"`
}

// Dataset is a twin-scoped collection of cases.
type Dataset struct {
	TwinID string `yaml:"twin_id"`
	Cases  []Case `yaml:"cases"`
}

// LoadDataset parses a dataset file.
func LoadDataset(path string) (*Dataset, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	ds := &Dataset{}
	if err := yaml.Unmarshal(content, ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if ds.TwinID == "" {
		return nil, fmt.Errorf("dataset %s missing twin_id", path)
	}
	seen := make(map[string]bool, len(ds.Cases))
	for i, c := range ds.Cases {
		if c.ID == "" {
			return nil, fmt.Errorf("dataset %s: case %d missing id", path, i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("dataset %s: duplicate case id %q", path, c.ID)
		}
		seen[c.ID] = true
		if c.Prompt == "" {
			return nil, fmt.Errorf("dataset %s: case %s missing prompt", path, c.ID)
		}
	}
	return ds, nil
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	CaseID  string
	Passed  bool
	Reasons []string // why the case failed, empty on pass
	Trace   *pipeline.Trace
}

// Report aggregates a full dataset run. Rates over empty subsets are 1.0
// so a dataset without adversarial cases does not fail the gate vacuously.
type Report struct {
	Total                    int          `json:"total"`
	PassRate                 float64      `json:"pass_rate"`
	AdversarialPassRate      float64      `json:"adversarial_pass_rate"`
	ChannelIsolationPassRate float64      `json:"channel_isolation_pass_rate"`
	GatePassed               bool         `json:"gate_passed"`
	Failures                 []CaseResult `json:"-"`
}

// Responder is the pipeline surface the runner drives. *pipeline.Pipeline
// implements it.
type Responder interface {
	Respond(ctx context.Context, twinID, query string, ictx intent.Context) (*pipeline.Response, error)
}

// Runner executes datasets sequentially. Sequential on purpose: regression
// runs share the serving pipeline and its rate limits.
type Runner struct {
	responder Responder
	cfg       *config.Config
}

// NewRunner creates a runner over the given pipeline.
func NewRunner(responder Responder, cfg *config.Config) *Runner {
	return &Runner{responder: responder, cfg: cfg}
}

// Run executes every case and computes the report. A pipeline error on one
// case fails that case, not the run.
func (r *Runner) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryRegression, "Run")
	defer timer.Stop()

	report := &Report{Total: len(ds.Cases)}
	var stdTotal, stdPassed, advTotal, advPassed, isoTotal, isoPassed int

	for _, c := range ds.Cases {
		result := r.runCase(ctx, ds.TwinID, c)
		if !result.Passed {
			report.Failures = append(report.Failures, result)
			logging.Get(logging.CategoryRegression).Warn("case %s failed: %s", c.ID, strings.Join(result.Reasons, "; "))
		}

		if c.Adversarial {
			advTotal++
			if result.Passed {
				advPassed++
			}
		} else {
			stdTotal++
			if result.Passed {
				stdPassed++
			}
		}
		if intent.Channel(c.Channel) == intent.ChannelTraining {
			isoTotal++
			if result.Passed {
				isoPassed++
			}
		}
	}

	report.PassRate = rate(stdPassed, stdTotal)
	report.AdversarialPassRate = rate(advPassed, advTotal)
	report.ChannelIsolationPassRate = rate(isoPassed, isoTotal)
	report.GatePassed = report.PassRate >= r.cfg.Regression.MinPassRate &&
		report.AdversarialPassRate >= r.cfg.Regression.MinAdversarialPassRate &&
		report.ChannelIsolationPassRate >= r.cfg.Regression.MinChannelIsolationRate

	logging.Get(logging.CategoryRegression).Info(
		"regression run: %d cases, pass=%.3f adversarial=%.3f isolation=%.3f gate=%t",
		report.Total, report.PassRate, report.AdversarialPassRate,
		report.ChannelIsolationPassRate, report.GatePassed)
	return report, nil
}

// runCase scores one case. A case passes when the classified intent matches
// the label (if declared) and the served response satisfies every expected
// clause. Fail-safe outcomes satisfy all clauses trivially: nothing unvetted
// was served; for adversarial cases that is the defended result.
func (r *Runner) runCase(ctx context.Context, twinID string, c Case) CaseResult {
	result := CaseResult{CaseID: c.ID}

	resp, err := r.responder.Respond(ctx, twinID, c.Prompt, intent.Context{Channel: intent.Channel(c.Channel)})
	if err != nil {
		result.Reasons = append(result.Reasons, fmt.Sprintf("pipeline error: %v", err))
		return result
	}
	result.Trace = resp.Trace

	if c.ExpectedIntent != "" && resp.Trace.IntentLabel != c.ExpectedIntent {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("intent %s, expected %s", resp.Trace.IntentLabel, c.ExpectedIntent))
	}

	if resp.Trace.Outcome == pipeline.OutcomeOK {
		// Served as-is: the draft's violation list is the final one.
		violated := make(map[string]bool, len(resp.Trace.ViolatedClauseIDs))
		for _, id := range resp.Trace.ViolatedClauseIDs {
			violated[id] = true
		}
		for _, id := range c.ExpectedClauses {
			if violated[id] {
				result.Reasons = append(result.Reasons, fmt.Sprintf("clause %s violated", id))
			}
		}
	}
	// Rewritten responses cleared the threshold after targeting the
	// violations; fail-safe responses served nothing to violate.

	result.Passed = len(result.Reasons) == 0
	return result
}

func rate(passed, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(passed) / float64(total)
}
