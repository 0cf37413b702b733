// Package engine orchestrates the two analysis flows over a live counseling
// session: low-latency quick feedback and the deeper safety assessment. It
// owns no state of its own; everything durable lives in the stores it is
// wired to.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/careloop/careloop-engine/internal/alerts"
	"github.com/careloop/careloop-engine/internal/analysislog"
	"github.com/careloop/careloop-engine/internal/billing"
	"github.com/careloop/careloop-engine/internal/cache"
	"github.com/careloop/careloop-engine/internal/config"
	"github.com/careloop/careloop-engine/internal/llm"
	"github.com/careloop/careloop-engine/internal/metrics"
	"github.com/careloop/careloop-engine/internal/retrieval"
	"github.com/careloop/careloop-engine/internal/safety"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
	"github.com/careloop/careloop-engine/internal/validate"
)

// Character bands for user-facing short-form fields. The validator
// substitutes a pool entry below the minimum and passes long text through.
const (
	quickMinChars      = 7
	quickMaxChars      = 15
	summaryMinChars    = 4
	summaryMaxChars    = 20
	suggestionMinChars = 5
	suggestionMaxChars = 20
)

// DeepMode selects how many suggestions a deep analysis produces.
type DeepMode string

const (
	// DeepModeEmergency asks for a single, immediately actionable suggestion.
	DeepModeEmergency DeepMode = "emergency"
	// DeepModePractice asks for up to four citation-backed suggestions.
	DeepModePractice DeepMode = "practice"
)

// Valid reports whether the mode is known.
func (m DeepMode) Valid() bool {
	return m == DeepModeEmergency || m == DeepModePractice
}

func (m DeepMode) maxSuggestions() int {
	if m == DeepModeEmergency {
		return 1
	}
	return 4
}

// Options tunes the orchestrator.
type Options struct {
	QuickModel         string
	DeepModel          string
	QuickWindowSeconds float64
	DeepWindowSeconds  float64
	CacheTTL           time.Duration
	RetrievalTopK      int
	ScoreThreshold     float64
	// Monetary cost estimates per thousand tokens, folded into the usage
	// meter for audit. Advisory only; credits are priced separately.
	QuickCostPer1KTokens float64
	DeepCostPer1KTokens  float64
}

func (o *Options) fillDefaults() {
	if o.QuickWindowSeconds <= 0 {
		o.QuickWindowSeconds = 15
	}
	if o.DeepWindowSeconds <= 0 {
		o.DeepWindowSeconds = 60
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 30 * time.Second
	}
	if o.RetrievalTopK <= 0 {
		o.RetrievalTopK = 3
	}
	if o.QuickCostPer1KTokens <= 0 {
		o.QuickCostPer1KTokens = 0.0002
	}
	if o.DeepCostPer1KTokens <= 0 {
		o.DeepCostPer1KTokens = 0.0025
	}
}

// Engine wires the analysis flows to their collaborators. No per-session lock
// is ever held across a provider call; ordering is enforced by the transcript
// aggregator and by atomic operations in the stores.
type Engine struct {
	sessions    session.Store
	transcripts *transcript.Aggregator
	logStore    analysislog.Store
	machine     *safety.Machine
	billing     *billing.Service
	retrieval   *retrieval.Service
	client      llm.Client
	validator   *validate.Validator
	estimator   *llm.TokenEstimator
	cache       cache.Cache
	alerts      alerts.Publisher
	playbook    config.Playbook
	logger      *log.Logger
	opts        Options
}

// Deps bundles the engine's collaborators. Retrieval and Alerts may be nil;
// the engine degrades to no augmentation and log-only alerting.
type Deps struct {
	Sessions    session.Store
	Transcripts *transcript.Aggregator
	LogStore    analysislog.Store
	Machine     *safety.Machine
	Billing     *billing.Service
	Retrieval   *retrieval.Service
	Client      llm.Client
	Validator   *validate.Validator
	Estimator   *llm.TokenEstimator
	Cache       cache.Cache
	Alerts      alerts.Publisher
	Playbook    config.Playbook
	Logger      *log.Logger
}

// New creates the orchestrator.
func New(d Deps, opts Options) *Engine {
	opts.fillDefaults()
	if d.Cache == nil {
		d.Cache = cache.NewMemory()
	}
	if d.Validator == nil {
		d.Validator = validate.New(d.Logger)
	}
	if d.Estimator == nil {
		d.Estimator = llm.NewTokenEstimator()
	}
	return &Engine{
		sessions:    d.Sessions,
		transcripts: d.Transcripts,
		logStore:    d.LogStore,
		machine:     d.Machine,
		billing:     d.Billing,
		retrieval:   d.Retrieval,
		client:      d.Client,
		validator:   d.Validator,
		estimator:   d.Estimator,
		cache:       d.Cache,
		alerts:      d.Alerts,
		playbook:    d.Playbook,
		logger:      d.Logger,
		opts:        opts,
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// QuickFeedback is the result of the low-latency flow.
type QuickFeedback struct {
	SessionID  string    `json:"session_id"`
	Message    string    `json:"message"`
	Keywords   []string  `json:"keywords,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	Fallback   bool      `json:"is_fallback"`
	Cached     bool      `json:"cached,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Quick produces one short coaching message from the trailing transcript
// window. An unchanged window is served from cache with no provider call and
// no usage recorded.
func (e *Engine) Quick(ctx context.Context, sessionID string) (QuickFeedback, error) {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return QuickFeedback{}, err
	}
	if sess.Completed {
		return QuickFeedback{}, session.ErrCompleted
	}

	started := time.Now()
	defer func() {
		metrics.AnalysisDuration.WithLabelValues("quick").Observe(time.Since(started).Seconds())
	}()

	window, err := e.transcripts.Window(ctx, sessionID, e.opts.QuickWindowSeconds)
	if err != nil {
		return QuickFeedback{}, fmt.Errorf("transcript window: %w", err)
	}

	cacheKey := "quick:" + sessionID + ":" + hashText(window)
	if cached, ok := e.cache.Get(ctx, cacheKey); ok {
		var fb QuickFeedback
		if err := json.Unmarshal([]byte(cached), &fb); err == nil {
			metrics.CacheHits.Inc()
			fb.Cached = true
			return fb, nil
		}
	}

	keywords, categories := e.heuristicSignals(window)
	fb := QuickFeedback{
		SessionID:  sessionID,
		Keywords:   keywords,
		Categories: categories,
		CreatedAt:  time.Now().UTC(),
	}

	if strings.TrimSpace(window) == "" {
		// nothing to analyze yet; no provider call, no usage, no log entry
		fb.Message = e.pickQuickFallback()
		fb.Fallback = true
		return fb, nil
	}

	// Even a cancelled caller gets the fallback path persisted: provider cost
	// may already be incurred, so usage and the log entry are never dropped.
	text, usage, fellBack := e.generateQuick(ctx, window)

	message, substituted := e.validator.ApplyFallback(text, quickMinChars, quickMaxChars, e.playbook.QuickMessages, "quick.message")
	fb.Message = message
	fb.Fallback = fellBack || substituted
	if fb.Fallback {
		metrics.AnalysisFallbacks.WithLabelValues("quick").Inc()
	}

	e.recordUsage(ctx, sessionID, billing.CallQuick, usage, time.Since(started))

	entry := &analysislog.Entry{
		SessionID: sessionID,
		Kind:      analysislog.KindQuick,
		Quick: &analysislog.QuickResult{
			Message:    fb.Message,
			Keywords:   fb.Keywords,
			Categories: fb.Categories,
		},
		Fallback:  fb.Fallback,
		CreatedAt: fb.CreatedAt,
	}
	if err := e.logStore.AppendEntry(context.WithoutCancel(ctx), entry); err != nil {
		return QuickFeedback{}, fmt.Errorf("append analysis log: %w", err)
	}

	if encoded, err := json.Marshal(fb); err == nil {
		e.cache.Set(ctx, cacheKey, string(encoded), e.opts.CacheTTL)
	}
	return fb, nil
}

// generateQuick calls the provider with a tight budget and reports whether
// the heuristic path had to take over. Usage is provider-reported on success
// and locally estimated on fallback.
func (e *Engine) generateQuick(ctx context.Context, window string) (string, llm.Usage, bool) {
	req := llm.Request{
		Model:           e.opts.QuickModel,
		Messages:        quickPrompt(window),
		MaxOutputTokens: 60,
	}
	res, err := e.client.Generate(ctx, req)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("quick").Inc()
		e.logf("engine: quick generation failed, using heuristic: %v", err)
		return "", e.estimatedUsage(req.Messages), true
	}
	if !e.validator.CheckCompletion(res.FinishReason, res.Provider) {
		return "", res.Usage, true
	}
	return res.Text, res.Usage, false
}

// DeepAnalysis is the result of the safety-assessment flow.
type DeepAnalysis struct {
	SessionID    string                 `json:"session_id"`
	Mode         DeepMode               `json:"mode"`
	Assessment   safety.Assessment      `json:"assessment"`
	Summary      string                 `json:"summary"`
	Alerts       []string               `json:"alerts,omitempty"`
	Suggestions  []string               `json:"suggestions,omitempty"`
	Citations    []analysislog.Citation `json:"citations,omitempty"`
	Fallback     bool                   `json:"is_fallback"`
	NextInterval time.Duration          `json:"-"`
	NextSeconds  float64                `json:"next_interval_seconds"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Deep runs the full assessment over the trailing transcript window, updates
// the safety machine and publishes an alert on red. Only the latest
// assessment by timestamp sticks; a slow older call never regresses the
// level.
func (e *Engine) Deep(ctx context.Context, sessionID string, mode DeepMode) (DeepAnalysis, error) {
	if !mode.Valid() {
		mode = DeepModePractice
	}
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return DeepAnalysis{}, err
	}
	if sess.Completed {
		return DeepAnalysis{}, session.ErrCompleted
	}

	started := time.Now()
	defer func() {
		metrics.AnalysisDuration.WithLabelValues("deep").Observe(time.Since(started).Seconds())
	}()

	window, err := e.transcripts.Window(ctx, sessionID, e.opts.DeepWindowSeconds)
	if err != nil {
		return DeepAnalysis{}, fmt.Errorf("transcript window: %w", err)
	}

	now := time.Now().UTC()
	da := DeepAnalysis{SessionID: sessionID, Mode: mode, CreatedAt: now}

	if strings.TrimSpace(window) == "" {
		// an untouched session stays at its current level, usually green
		da.Assessment = e.machine.Current(sessionID)
		da.Summary = e.pickSummaryFallback()
		da.Fallback = true
		da.NextInterval = da.Assessment.Level.NextInterval()
		da.NextSeconds = da.NextInterval.Seconds()
		return da, nil
	}

	keywords, _ := e.heuristicSignals(window)
	snippets := e.querySnippets(ctx, keywords, window)

	// Cancellation mid-flight still lands a heuristic record; incurred usage
	// and the audit entry survive via the non-cancellable persist context.
	out, usage, fellBack := e.generateDeep(ctx, window, snippets, mode)

	summary, substituted := e.validator.ApplyFallback(out.Summary, summaryMinChars, summaryMaxChars, e.playbook.Summaries, "deep.summary")
	da.Summary = summary
	da.Fallback = fellBack || substituted

	suggestions := out.Suggestions
	if limit := mode.maxSuggestions(); len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	for i, s := range suggestions {
		fixed, sub := e.validator.ApplyFallback(s, suggestionMinChars, suggestionMaxChars, e.playbook.Suggestions, fmt.Sprintf("deep.suggestion[%d]", i))
		suggestions[i] = fixed
		da.Fallback = da.Fallback || sub
	}
	if len(suggestions) == 0 {
		suggestions = []string{e.pickSuggestionFallback()}
		da.Fallback = true
	}
	da.Suggestions = suggestions
	da.Alerts = out.Alerts
	da.Citations = citationsFromSnippets(snippets)
	if da.Fallback {
		metrics.AnalysisFallbacks.WithLabelValues("deep").Inc()
	}

	action := ""
	if len(suggestions) > 0 {
		action = suggestions[0]
	}
	assessment := safety.NewAssessment(out.Level, da.Summary, action, now)
	applied, won := e.machine.Apply(sessionID, assessment)
	da.Assessment = applied
	da.NextInterval = applied.Level.NextInterval()
	da.NextSeconds = da.NextInterval.Seconds()

	persistCtx := context.WithoutCancel(ctx)
	if won {
		metrics.SafetyEscalations.WithLabelValues(string(applied.Level)).Inc()
		if err := e.sessions.SetSafetyLevel(persistCtx, sessionID, applied.Level, applied.AssessedAt); err != nil {
			e.logf("engine: persist safety level for session=%s: %v", sessionID, err)
		}
		if applied.Alert {
			e.publishAlert(persistCtx, sess, applied)
		}
	}

	e.recordUsage(ctx, sessionID, billing.CallDeep, usage, time.Since(started))

	entry := &analysislog.Entry{
		SessionID: sessionID,
		Kind:      analysislog.KindDeep,
		Deep: &analysislog.DeepResult{
			Level:       applied.Level,
			Summary:     da.Summary,
			Alerts:      da.Alerts,
			Suggestions: da.Suggestions,
			Citations:   da.Citations,
		},
		Confidence: out.Confidence,
		Fallback:   da.Fallback,
		CreatedAt:  now,
	}
	if err := e.logStore.AppendEntry(persistCtx, entry); err != nil {
		return DeepAnalysis{}, fmt.Errorf("append analysis log: %w", err)
	}
	return da, nil
}

func (e *Engine) querySnippets(ctx context.Context, keywords []string, window string) []retrieval.Snippet {
	if e.retrieval == nil {
		return nil
	}
	query := strings.Join(keywords, " ")
	if query == "" {
		query = window
	}
	started := time.Now()
	snippets := e.retrieval.Query(ctx, query, e.opts.RetrievalTopK, e.opts.ScoreThreshold)
	metrics.RetrievalDuration.Observe(time.Since(started).Seconds())
	return snippets
}

// generateDeep calls the provider and parses the structured result. Any
// failure along the way drops to the deterministic heuristic.
func (e *Engine) generateDeep(ctx context.Context, window string, snippets []retrieval.Snippet, mode DeepMode) (deepOutput, llm.Usage, bool) {
	req := llm.Request{
		Model:           e.opts.DeepModel,
		Messages:        deepPrompt(window, snippets, mode.maxSuggestions()),
		MaxOutputTokens: 600,
	}
	res, err := e.client.Generate(ctx, req)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("deep").Inc()
		e.logf("engine: deep generation failed, using heuristic: %v", err)
		return e.heuristicDeep(window), e.estimatedUsage(req.Messages), true
	}
	if !e.validator.CheckCompletion(res.FinishReason, res.Provider) {
		return e.heuristicDeep(window), res.Usage, true
	}
	out, err := parseDeepOutput(res.Text)
	if err != nil {
		e.logf("engine: deep output unparseable, using heuristic: %v", err)
		return e.heuristicDeep(window), res.Usage, true
	}
	return out, res.Usage, false
}

func (e *Engine) estimatedUsage(messages []llm.Message) llm.Usage {
	return llm.Usage{PromptTokens: e.estimator.EstimateMessages(messages)}
}

func (e *Engine) recordUsage(ctx context.Context, sessionID string, kind billing.CallKind, usage llm.Usage, elapsed time.Duration) {
	if e.billing == nil {
		return
	}
	metrics.TokensMetered.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	metrics.TokensMetered.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	rate := e.opts.QuickCostPer1KTokens
	if kind == billing.CallDeep {
		rate = e.opts.DeepCostPer1KTokens
	}
	err := e.billing.Record(ctx, sessionID, billing.Delta{
		Kind:             kind,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CachedTokens:     usage.CachedTokens,
		DurationSeconds:  elapsed.Seconds(),
		EstimatedCost:    float64(usage.PromptTokens+usage.CompletionTokens) / 1000 * rate,
	})
	if err != nil {
		e.logf("engine: record usage for session=%s: %v", sessionID, err)
	}
}

func (e *Engine) publishAlert(ctx context.Context, sess *session.Session, a safety.Assessment) {
	if e.alerts == nil {
		return
	}
	n := alerts.Notification{
		SessionID:   sess.ID,
		CounselorID: sess.CounselorID,
		Level:       a.Level,
		Severity:    fmt.Sprintf("%d", a.Severity),
		Explanation: a.Explanation,
		Action:      a.Action,
		RaisedAt:    a.AssessedAt,
	}
	if err := e.alerts.Publish(ctx, n); err != nil {
		e.logf("engine: publish alert for session=%s: %v", sess.ID, err)
	}
}

// Completion is the settled view of a finished session.
type Completion struct {
	Session *session.Session `json:"session"`
	Usage   *billing.Usage   `json:"usage"`
}

// Complete marks the session done and settles its usage. Safe to retry; the
// billing settlement is idempotent and the completion timestamp is preserved.
func (e *Engine) Complete(ctx context.Context, sessionID string) (Completion, error) {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Completion{}, err
	}

	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if err := e.sessions.CompleteSession(persistCtx, sessionID, now); err != nil {
		return Completion{}, fmt.Errorf("complete session: %w", err)
	}

	var usage *billing.Usage
	if e.billing != nil {
		usage, err = e.billing.Complete(persistCtx, sessionID)
		if err != nil {
			return Completion{}, fmt.Errorf("settle usage: %w", err)
		}
		metrics.CreditsSettled.Add(float64(usage.CreditsConsumed))
	}
	if !sess.Completed {
		metrics.SessionsActive.Dec()
	}
	e.machine.Forget(sessionID)

	sess, err = e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Session: sess, Usage: usage}, nil
}

func (e *Engine) pickQuickFallback() string {
	out, _ := e.validator.ApplyFallback("", quickMinChars, quickMaxChars, e.playbook.QuickMessages, "quick.message")
	return out
}

func (e *Engine) pickSummaryFallback() string {
	out, _ := e.validator.ApplyFallback("", summaryMinChars, summaryMaxChars, e.playbook.Summaries, "deep.summary")
	return out
}

func (e *Engine) pickSuggestionFallback() string {
	out, _ := e.validator.ApplyFallback("", suggestionMinChars, suggestionMaxChars, e.playbook.Suggestions, "deep.suggestion")
	return out
}

func citationsFromSnippets(snippets []retrieval.Snippet) []analysislog.Citation {
	if len(snippets) == 0 {
		return nil
	}
	cites := make([]analysislog.Citation, 0, len(snippets))
	for _, s := range snippets {
		cites = append(cites, analysislog.Citation{Source: s.Source, TheoryTag: s.TheoryTag})
	}
	return cites
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
