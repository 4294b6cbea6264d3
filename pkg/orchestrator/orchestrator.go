// Package orchestrator implements the self-building orchestrator (C7):
// on an unclaimed request it classifies, generates, validates, and
// registers a new skill; on repeated skill failure it classifies the
// failure and runs a healing state machine (rollback/patch/regenerate/
// disable) informed by a pattern-frequency detector.
//
// The generation pipeline's prompt-building and code-block extraction is
// grounded on orchestration/synthesizer.go's buildSynthesisPrompt/
// synthesizeWithLLM shape (build a structured prompt, call the external
// generator, handle its failure the same logged-and-wrapped way); the
// failure-classification-driven strategy table is grounded on
// orchestration/error_analyzer.go's AnalyzeError (route by classification
// first via cheap heuristics, fall back to the generator only when
// heuristics are inconclusive) adapted from HTTP-status routing to the
// engine's syntax/import/runtime/timeout/dependency/resource/logic
// taxonomy, since the teacher's classification axis (HTTP status) has no
// equivalent in a skill-healing domain.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/discovery"
	"github.com/agentcore-dev/engine/pkg/generator"
	"github.com/agentcore-dev/engine/pkg/registry"
)

// SkillKind classifies a request by the keyword map in classifyKind.
type SkillKind string

const (
	KindWebScraping SkillKind = "web_scraping"
	KindDataAnalysis SkillKind = "data_analysis"
	KindNotification SkillKind = "notification"
	KindFileProcessing SkillKind = "file_processing"
	KindGeneric      SkillKind = "generic"
)

var kindKeywords = []struct {
	kind     SkillKind
	keywords []string
}{
	{KindWebScraping, []string{"scrape", "crawl", "fetch page", "extract from url", "hämta", "skrapa"}},
	{KindDataAnalysis, []string{"analyze", "analyse", "statistics", "aggregate", "summarize data"}},
	{KindNotification, []string{"notify", "send email", "send message", "alert"}},
	{KindFileProcessing, []string{"parse file", "convert file", "read csv", "process document"}},
}

func classifyKind(request string) SkillKind {
	lower := strings.ToLower(request)
	for _, k := range kindKeywords {
		for _, kw := range k.keywords {
			if strings.Contains(lower, kw) {
				return k.kind
			}
		}
	}
	return KindGeneric
}

var promptTemplates = map[SkillKind]string{
	KindWebScraping: "Generate a skill that fetches the given URL and extracts the requested content.",
	KindDataAnalysis: "Generate a skill that performs the requested statistical analysis over the supplied data.",
	KindNotification: "Generate a skill that delivers the requested notification through the declared channel.",
	KindFileProcessing: "Generate a skill that parses or converts the referenced file as requested.",
	KindGeneric:       "Generate a skill that fulfils the following request as narrowly and safely as possible.",
}

// Signal is HandleRequest's result when no existing skill claims the
// request.
type Signal struct {
	ActionNeeded string `json:"action_needed"` // "generation_required"
	Request      string `json:"request"`
	Kind         SkillKind `json:"kind"`
}

const actionGenerationRequired = "generation_required"

// GenerationAttempt is one entry in a skill's (or request's) generation
// history, recorded whether the pipeline succeeded or aborted.
type GenerationAttempt struct {
	At           time.Time
	Request      string
	FailedStep   string // empty on success
	Error        string
	SkillName    string
}

// Backup is a retained prior version of a skill's source.
type Backup struct {
	Source string
	At     time.Time
}

const maxBackupsPerSkill = 5

// Pattern tracks recurring failures sharing a classification + normalised
// error signature.
type Pattern struct {
	Failures     int
	Components   map[string]bool
	Errors       []string
	FirstSeen    time.Time
	LastSeen     time.Time
	SuggestedFix string
	Confidence   float64
}

const patternFrequencyThreshold = 3

// FailureInfo describes one skill execution failure passed to Heal.
type FailureInfo struct {
	SkillName  string
	Classification engineerr.Kind
	Message    string
	Component  string
}

// HealOutcome is the result of a healing attempt.
type HealOutcome struct {
	Strategy string
	Success  bool
	Detail   string
}

const maxHealingAttemptsPerFailure = 3

// ApprovalFunc decides whether an unclaimed request should proceed to
// generation. The baseline always approves; callers inject policy.
type ApprovalFunc func(request string, kind SkillKind) bool

// AlwaysApprove is the baseline decision function.
func AlwaysApprove(string, SkillKind) bool { return true }

// Orchestrator is the self-building orchestrator (C7).
type Orchestrator struct {
	reg        *registry.Registry
	disc       *discovery.Discoverer
	gen        generator.Generator
	approve    ApprovalFunc
	generatedDir string
	logger     logging.Logger

	mu          sync.Mutex
	history     []GenerationAttempt
	backups     map[string][]Backup
	patterns    map[string]*Pattern
	healAttempts map[string]int // keyed by skill name, reset on success
	skillPaths  map[string]string
	kindIndex   map[SkillKind]string // kind -> name of the active skill claiming it
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			o.logger = cal.WithComponent("engine/orchestrator")
		} else {
			o.logger = l
		}
	}
}

// WithApprovalFunc overrides the baseline always-approve policy.
func WithApprovalFunc(fn ApprovalFunc) Option {
	return func(o *Orchestrator) { o.approve = fn }
}

// WithGeneratedDir overrides the directory generated skill source is
// written under. Defaults to "skills/generated".
func WithGeneratedDir(dir string) Option {
	return func(o *Orchestrator) { o.generatedDir = dir }
}

// New constructs an Orchestrator.
func New(reg *registry.Registry, disc *discovery.Discoverer, gen generator.Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:          reg,
		disc:         disc,
		gen:          gen,
		approve:      AlwaysApprove,
		generatedDir: "skills/generated",
		logger:       logging.NoOpLogger{},
		backups:      make(map[string][]Backup),
		patterns:     make(map[string]*Pattern),
		healAttempts: make(map[string]int),
		skillPaths:   make(map[string]string),
		kindIndex:    make(map[SkillKind]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleRequest checks the registry for a skill matching request's
// classified kind; if none claims it, returns a generation-needed signal
// for the caller (typically C6) to act on.
func (o *Orchestrator) HandleRequest(ctx context.Context, request string) (*Signal, *registry.Entry, error) {
	kind := classifyKind(request)

	o.mu.Lock()
	name, claimed := o.kindIndex[kind]
	o.mu.Unlock()

	if claimed {
		if e, ok := o.reg.Get(name); ok && e.Status == registry.StatusActive {
			return nil, e, nil
		}
	}
	return &Signal{ActionNeeded: actionGenerationRequired, Request: request, Kind: kind}, nil, nil
}

// GenerateSkill runs the generation candidate pipeline (§4.7.1).
func (o *Orchestrator) GenerateSkill(ctx context.Context, request string) (*registry.Entry, error) {
	kind := classifyKind(request)
	if !o.approve(request, kind) {
		return nil, o.abort(request, "approval", fmt.Errorf("generation not approved for request"))
	}

	prompt := o.buildGenerationPrompt(request, kind)
	raw, err := o.gen.Generate(ctx, prompt, generator.Options{MaxTokens: 1500, Temperature: 0.3})
	if err != nil {
		return nil, o.abort(request, "generate", err)
	}

	source, err := extractCodeBlock(raw)
	if err != nil {
		return nil, o.abort(request, "extract", err)
	}

	if err := validateSkillSource(source); err != nil {
		return nil, o.abort(request, "validate", err)
	}

	name := deriveSkillName(request, kind)
	path := filepath.Join(o.generatedDir, name+".go")

	if err := o.writeSource(path, source); err != nil {
		return nil, o.abort(request, "write", err)
	}

	entry := o.reg.Register(name, registry.KindGenerated, path, contentHash(source), nil)

	o.disc.Load(discovery.Candidate{Name: name, Kind: registry.KindGenerated, Path: path, ModifiedAt: time.Now()})
	if err := o.reg.Activate(name); err != nil {
		o.reg.Deregister(name)
		return nil, o.abort(request, "activate", err)
	}

	o.mu.Lock()
	o.history = append(o.history, GenerationAttempt{At: time.Now(), Request: request, SkillName: name})
	o.saveBackup(name, source)
	o.skillPaths[name] = path
	o.kindIndex[kind] = name
	o.mu.Unlock()

	o.logger.Info("skill generated and activated", map[string]interface{}{"skill": name, "kind": string(kind)})
	return entry, nil
}

func (o *Orchestrator) abort(request, step string, cause error) error {
	o.mu.Lock()
	o.history = append(o.history, GenerationAttempt{At: time.Now(), Request: request, FailedStep: step, Error: cause.Error()})
	o.mu.Unlock()
	o.logger.Error("skill generation aborted", map[string]interface{}{"step": step, "error": cause.Error()})
	return engineerr.New("orchestrator.GenerateSkill", engineerr.KindCapability, cause)
}

func (o *Orchestrator) buildGenerationPrompt(request string, kind SkillKind) string {
	var b strings.Builder
	b.WriteString(promptTemplates[kind])
	b.WriteString("\n\nRequest: ")
	b.WriteString(request)
	b.WriteString("\n\nThe skill must declare an entry point `ExecuteSkill(ctx, request, conversationCtx) (SkillResult, error)` ")
	b.WriteString("and return a structured result with `success`, and either `result` or `error`, plus `metadata`. ")
	b.WriteString("Wrap any operation that can fail in explicit error handling.\n\nReturn the skill as a single fenced code block.")
	return b.String()
}

var codeBlockPattern = regexp.MustCompile("(?s)```(?:[a-zA-Z]*\\n)?(.*?)```")

func extractCodeBlock(response string) (string, error) {
	m := codeBlockPattern.FindStringSubmatch(response)
	if m == nil {
		return "", fmt.Errorf("no code block found in generator response")
	}
	return strings.TrimSpace(m[1]), nil
}

var (
	entryPointPattern  = regexp.MustCompile(`ExecuteSkill\s*\(`)
	structuredReturnPattern = regexp.MustCompile(`\bsuccess\b`)
	errorHandlingPattern    = regexp.MustCompile(`\berr\b|\btry\b|\bexcept\b|\brecover\(\)`)
)

// validateSkillSource runs the static validation steps from §4.7.1: must
// be non-empty, declare the entry point, reference a structured return
// shape, and show some error-handling idiom.
func validateSkillSource(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("generated source is empty")
	}
	if !entryPointPattern.MatchString(source) {
		return fmt.Errorf("generated source missing ExecuteSkill entry point")
	}
	if !structuredReturnPattern.MatchString(source) {
		return fmt.Errorf("generated source does not reference a structured result")
	}
	if !errorHandlingPattern.MatchString(source) {
		return fmt.Errorf("generated source has no visible error handling")
	}
	return nil
}

var nameKeywordPattern = regexp.MustCompile(`[a-zA-Z]+`)

func deriveSkillName(request string, kind SkillKind) string {
	words := nameKeywordPattern.FindAllString(strings.ToLower(request), -1)
	var keywords []string
	for _, w := range words {
		if len(w) > 3 {
			keywords = append(keywords, w)
			if len(keywords) == 2 {
				break
			}
		}
	}
	keyword := string(kind)
	if len(keywords) > 0 {
		keyword = strings.Join(keywords, "_")
	}
	return fmt.Sprintf("%s_%d", keyword, time.Now().UnixNano())
}

func contentHash(source string) string {
	// a content-addressed tag, not a checksum consumers verify against;
	// length+prefix is enough to detect "did the source change" without
	// pulling in a hashing dependency for a cosmetic field.
	if len(source) > 16 {
		return fmt.Sprintf("%d:%s", len(source), source[:16])
	}
	return fmt.Sprintf("%d:%s", len(source), source)
}

// generatedKindTag marks every file this package writes so discovery's
// filesystem scan recognises it as a generated skill candidate.
const generatedKindTag = "// skill:kind=generated\n"

// writeSource persists skill source to disk, creating the containing
// directory if needed, so that discovery's filesystem re-scan can find it.
// A kind tag is prepended unless the source already carries one, so
// re-written (patched/regenerated/rolled-back) sources stay discoverable.
func (o *Orchestrator) writeSource(path, source string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if !kindTagPresent(source) {
		source = generatedKindTag + source
	}
	return os.WriteFile(path, []byte(source), 0o644)
}

var kindTagCheckPattern = regexp.MustCompile(`//\s*skill:kind=`)

func kindTagPresent(source string) bool {
	return kindTagCheckPattern.MatchString(source)
}

func (o *Orchestrator) saveBackup(name, source string) {
	list := append(o.backups[name], Backup{Source: source, At: time.Now()})
	if len(list) > maxBackupsPerSkill {
		list = list[len(list)-maxBackupsPerSkill:]
	}
	o.backups[name] = list
}

// Heal runs the healing state machine (§4.7.2) for a single failure.
func (o *Orchestrator) Heal(ctx context.Context, failure FailureInfo) (HealOutcome, error) {
	o.mu.Lock()
	attempts := o.healAttempts[failure.SkillName] + 1
	o.healAttempts[failure.SkillName] = attempts
	o.mu.Unlock()

	if attempts > maxHealingAttemptsPerFailure {
		return o.disable(failure.SkillName, "healing attempts exhausted")
	}

	pattern := o.recordPattern(failure)
	strategies := o.strategiesFor(failure, pattern)

	var lastErr error
	for _, strategy := range strategies {
		outcome, err := o.applyStrategy(ctx, strategy, failure)
		if err == nil && outcome.Success {
			o.mu.Lock()
			o.healAttempts[failure.SkillName] = 0
			o.mu.Unlock()
			return outcome, nil
		}
		lastErr = err
	}
	return o.disable(failure.SkillName, fmt.Sprintf("all strategies exhausted: %v", lastErr))
}

func (o *Orchestrator) strategiesFor(failure FailureInfo, pattern *Pattern) []string {
	switch failure.Classification {
	case engineerr.KindSyntax:
		return []string{"rollback", "patch"}
	case engineerr.KindImport:
		return []string{"dependency_fix"}
	case engineerr.KindRuntime:
		if pattern != nil && pattern.Confidence >= 0.8 {
			return []string{"patch"}
		}
		if o.hasBackup(failure.SkillName) {
			return []string{"rollback", "regenerate"}
		}
		return []string{"regenerate"}
	case engineerr.KindDependency:
		return []string{"dependency_fix"}
	case engineerr.KindTimeout:
		return []string{"patch"}
	default:
		if o.hasBackup(failure.SkillName) {
			return []string{"rollback"}
		}
		return []string{"regenerate"}
	}
}

func (o *Orchestrator) hasBackup(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.backups[name]) > 0
}

func (o *Orchestrator) applyStrategy(ctx context.Context, strategy string, failure FailureInfo) (HealOutcome, error) {
	switch strategy {
	case "rollback":
		return o.rollback(failure.SkillName)
	case "patch":
		return o.patch(ctx, failure)
	case "regenerate":
		return o.regenerate(ctx, failure)
	case "dependency_fix":
		return o.patch(ctx, failure)
	default:
		return HealOutcome{}, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// rollback restores the latest backup, reloads via discovery, re-activates
// via the registry.
func (o *Orchestrator) rollback(name string) (HealOutcome, error) {
	o.mu.Lock()
	backups := o.backups[name]
	path := o.skillPaths[name]
	o.mu.Unlock()
	if len(backups) == 0 {
		return HealOutcome{Strategy: "rollback", Success: false}, fmt.Errorf("no backup available for %s", name)
	}
	if path == "" {
		return HealOutcome{Strategy: "rollback", Success: false}, fmt.Errorf("no known source path for %s", name)
	}
	previous := backups[len(backups)-1]
	if err := o.writeSource(path, previous.Source); err != nil {
		return HealOutcome{Strategy: "rollback", Success: false}, err
	}
	if err := o.disc.Reload(name); err != nil {
		return HealOutcome{Strategy: "rollback", Success: false}, err
	}
	return HealOutcome{Strategy: "rollback", Success: true, Detail: "restored latest backup"}, nil
}

// patch obtains a targeted replacement naming the exact failure, validates
// it, backs up the current source, then reloads; a reload failure
// restores the pre-patch backup.
func (o *Orchestrator) patch(ctx context.Context, failure FailureInfo) (HealOutcome, error) {
	prompt := fmt.Sprintf("The skill %q failed with classification %q: %s\nProvide a corrected full replacement, preserving its ExecuteSkill signature and adding explicit error handling, as a single fenced code block.",
		failure.SkillName, failure.Classification, failure.Message)

	raw, err := o.gen.Generate(ctx, prompt, generator.Options{MaxTokens: 1500, Temperature: 0.2})
	if err != nil {
		return HealOutcome{Strategy: "patch", Success: false}, err
	}
	source, err := extractCodeBlock(raw)
	if err != nil {
		return HealOutcome{Strategy: "patch", Success: false}, err
	}
	if err := validateSkillSource(source); err != nil {
		return HealOutcome{Strategy: "patch", Success: false}, err
	}

	o.mu.Lock()
	path := o.skillPaths[failure.SkillName]
	if current, readErr := os.ReadFile(path); readErr == nil {
		o.saveBackup(failure.SkillName, string(current))
	}
	o.mu.Unlock()

	if path == "" {
		return HealOutcome{Strategy: "patch", Success: false}, fmt.Errorf("no known source path for %s", failure.SkillName)
	}
	if err := o.writeSource(path, source); err != nil {
		return HealOutcome{Strategy: "patch", Success: false}, err
	}

	if err := o.disc.Reload(failure.SkillName); err != nil {
		o.rollback(failure.SkillName)
		return HealOutcome{Strategy: "patch", Success: false}, err
	}
	return HealOutcome{Strategy: "patch", Success: true, Detail: "applied patch and reloaded"}, nil
}

// regenerate re-runs the generation pipeline with the request that
// originally produced the skill (when this orchestrator generated it);
// retains the prior version as a backup.
func (o *Orchestrator) regenerate(ctx context.Context, failure FailureInfo) (HealOutcome, error) {
	if _, ok := o.reg.Get(failure.SkillName); !ok {
		return HealOutcome{Strategy: "regenerate", Success: false}, fmt.Errorf("unknown skill %s", failure.SkillName)
	}

	o.mu.Lock()
	path := o.skillPaths[failure.SkillName]
	if current, readErr := os.ReadFile(path); readErr == nil {
		o.saveBackup(failure.SkillName, string(current))
	}
	var originalRequest string
	for _, h := range o.history {
		if h.SkillName == failure.SkillName {
			originalRequest = h.Request
		}
	}
	o.mu.Unlock()
	if path == "" {
		return HealOutcome{Strategy: "regenerate", Success: false}, fmt.Errorf("no known source path for %s", failure.SkillName)
	}

	prompt := fmt.Sprintf("Regenerate skill %q from scratch for the original request %q; it has repeatedly failed with classification %q: %s",
		failure.SkillName, originalRequest, failure.Classification, failure.Message)
	raw, err := o.gen.Generate(ctx, prompt, generator.Options{MaxTokens: 1500, Temperature: 0.4})
	if err != nil {
		return HealOutcome{Strategy: "regenerate", Success: false}, err
	}
	source, err := extractCodeBlock(raw)
	if err != nil {
		return HealOutcome{Strategy: "regenerate", Success: false}, err
	}
	if err := validateSkillSource(source); err != nil {
		return HealOutcome{Strategy: "regenerate", Success: false}, err
	}
	if err := o.writeSource(path, source); err != nil {
		return HealOutcome{Strategy: "regenerate", Success: false}, err
	}
	if err := o.disc.Reload(failure.SkillName); err != nil {
		o.rollback(failure.SkillName)
		return HealOutcome{Strategy: "regenerate", Success: false}, err
	}
	return HealOutcome{Strategy: "regenerate", Success: true, Detail: "regenerated skill"}, nil
}

func (o *Orchestrator) disable(name, reason string) (HealOutcome, error) {
	_ = o.reg.Deactivate(name)
	o.logger.Error("skill disabled after exhausting healing strategies", map[string]interface{}{"skill": name, "reason": reason})
	return HealOutcome{Strategy: "disable", Success: true, Detail: reason}, nil
}

var (
	numberPattern = regexp.MustCompile(`\d+`)
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	pathPattern   = regexp.MustCompile(`(?:/[\w.\-]+)+`)
)

func normaliseErrorSignature(msg string) string {
	s := uuidPattern.ReplaceAllString(msg, "<uuid>")
	s = pathPattern.ReplaceAllString(s, "<path>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	return s
}

func patternKey(failure FailureInfo) string {
	return string(failure.Classification) + "|" + normaliseErrorSignature(failure.Message)
}

// recordPattern updates the pattern-frequency table, generating a
// suggested fix once frequency crosses patternFrequencyThreshold.
// Confidence grows as min(frequency/10, 1.0).
func (o *Orchestrator) recordPattern(failure FailureInfo) *Pattern {
	key := patternKey(failure)
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.patterns[key]
	if !ok {
		p = &Pattern{Components: make(map[string]bool), FirstSeen: now}
		o.patterns[key] = p
	}
	p.Failures++
	p.Components[failure.Component] = true
	p.Errors = append(p.Errors, failure.Message)
	p.LastSeen = now
	p.Confidence = minFloat(float64(p.Failures)/10.0, 1.0)
	if p.Failures >= patternFrequencyThreshold && p.SuggestedFix == "" {
		p.SuggestedFix = fmt.Sprintf("recurring %s failure across %d components; consider a targeted patch", failure.Classification, len(p.Components))
	}
	return p
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// History returns generation attempts in chronological order.
func (o *Orchestrator) History() []GenerationAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]GenerationAttempt, len(o.history))
	copy(out, o.history)
	return out
}

// Patterns returns a snapshot of detected failure patterns, sorted by key
// for deterministic iteration.
func (o *Orchestrator) Patterns() map[string]Pattern {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Pattern, len(o.patterns))
	keys := make([]string, 0, len(o.patterns))
	for k := range o.patterns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = *o.patterns[k]
	}
	return out
}
