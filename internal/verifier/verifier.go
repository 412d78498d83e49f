// Package verifier implements the LLM Verifier: given a task and terminal
// output, asks an external chat-completions endpoint whether the task is
// complete, falling back to a deterministic regex heuristic when disabled
// or failing.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/common/logger"
	"github.com/kandev/ralph/internal/models"
)

const (
	verifyTimeout        = 60 * time.Second
	statusSummaryTimeout = 15 * time.Second
	maxOutputChars       = 8000
	configCacheTTL       = 30 * time.Second
)

// Result is the verifier's verdict.
type Result struct {
	Passed     bool
	Feedback   string
	Confidence float64
}

// ConfigSource supplies the live (persisted) verifier configuration. It is
// consulted at most once per configCacheTTL; callers that write a new
// config must call Invalidate.
type ConfigSource interface {
	VerifierConfig(ctx context.Context) (models.VerifierConfig, error)
}

// Verifier calls the external chat-completions endpoint and falls back to
// a pattern heuristic on any disablement, network, timeout, or parse
// failure.
type Verifier struct {
	source ConfigSource
	logger *logger.Logger

	mu       sync.Mutex
	cached   *models.VerifierConfig
	cachedAt time.Time
}

// New constructs a Verifier reading its live config from source.
func New(source ConfigSource, log *logger.Logger) *Verifier {
	return &Verifier{source: source, logger: log.WithFields(zap.String("component", "verifier"))}
}

// Invalidate drops the cached config so the next call re-reads source.
func (v *Verifier) Invalidate() {
	v.mu.Lock()
	v.cached = nil
	v.mu.Unlock()
}

func (v *Verifier) config(ctx context.Context) (models.VerifierConfig, error) {
	v.mu.Lock()
	if v.cached != nil && time.Since(v.cachedAt) < configCacheTTL {
		cfg := *v.cached
		v.mu.Unlock()
		return cfg, nil
	}
	v.mu.Unlock()

	cfg, err := v.source.VerifierConfig(ctx)
	if err != nil {
		return models.VerifierConfig{}, err
	}
	v.mu.Lock()
	v.cached = &cfg
	v.cachedAt = time.Now()
	v.mu.Unlock()
	return cfg, nil
}

// Verify judges whether task is complete given terminalOutput.
func (v *Verifier) Verify(ctx context.Context, task *models.Task, terminalOutput string) Result {
	cfg, err := v.config(ctx)
	if err != nil || !cfg.Enabled || cfg.APIKey == "" {
		v.logger.Debug("verifier disabled or misconfigured, using fallback", zap.Error(err))
		return fallback(terminalOutput)
	}

	result, err := v.callChatCompletions(ctx, cfg, task, terminalOutput)
	if err != nil {
		v.logger.Warn("verifier call failed, using fallback", zap.String("task_id", task.ID), zap.Error(err))
		return fallback(terminalOutput)
	}
	return result
}

func (v *Verifier) client(cfg models.VerifierConfig) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIURL != "" {
		clientCfg.BaseURL = cfg.APIURL
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: verifyTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	return openai.NewClientWithConfig(clientCfg)
}

func (v *Verifier) callChatCompletions(ctx context.Context, cfg models.VerifierConfig, task *models.Task, terminalOutput string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	truncated := terminalOutput
	if len(truncated) > maxOutputChars {
		truncated = truncated[len(truncated)-maxOutputChars:]
	}

	var userBuilder strings.Builder
	fmt.Fprintf(&userBuilder, "Task name: %s\nTask prompt: %s\n", task.Name, task.Prompt)
	if task.VerificationPrompt != nil && *task.VerificationPrompt != "" {
		fmt.Fprintf(&userBuilder, "Verification criteria: %s\n", *task.VerificationPrompt)
	}
	userBuilder.WriteString("Terminal output:\n")
	userBuilder.WriteString(truncated)
	userBuilder.WriteString("\nIs this task complete?")

	req := openai.ChatCompletionRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: `You are a task completion verifier. Respond ONLY with {"passed":bool,"feedback":string,"confidence":number 0..1}.`,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userBuilder.String(),
			},
		},
	}

	resp, err := v.client(cfg).CreateChatCompletion(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("verifier returned no choices")
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

type verdict struct {
	Passed     bool     `json:"passed"`
	Feedback   string   `json:"feedback"`
	Confidence *float64 `json:"confidence"`
}

var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)
var loosePassedPattern = regexp.MustCompile(`"passed"\s*:\s*true`)

// parseVerdict parses the first JSON object found in content. On failure
// it tries a loose scan for "passed": true; otherwise it is a failure and
// the caller falls back to the pattern heuristic.
func parseVerdict(content string) (Result, error) {
	if m := jsonObjectPattern.FindString(content); m != "" {
		var vd verdict
		if err := json.Unmarshal([]byte(m), &vd); err == nil {
			return Result{Passed: vd.Passed, Feedback: vd.Feedback, Confidence: clampConfidence(vd.Confidence)}, nil
		}
	}
	if loosePassedPattern.MatchString(content) {
		return Result{Passed: true, Feedback: content, Confidence: 0.5}, nil
	}
	return Result{}, fmt.Errorf("could not parse verifier response")
}

func clampConfidence(c *float64) float64 {
	if c == nil {
		return 0.5
	}
	if *c < 0 {
		return 0
	}
	if *c > 1 {
		return 1
	}
	return *c
}

// --- fallback pattern heuristic ---

var (
	fallbackWaitingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\?\s*$`),
		regexp.MustCompile(`(?i)\(y/n\)`),
		regexp.MustCompile(`(?i)continue\?`),
		regexp.MustCompile(`(?i)press any key`),
	}
	failureTokens = regexp.MustCompile(`(?i)(error:|failed|exception|fatal|panic)`)
	successTokens = regexp.MustCompile(`(?i)(success|completed?|done|finished|passed|\bOK\b)`)
)

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// fallback implements the deterministic pattern heuristic over the last
// 20 lines of output, used whenever the verifier is disabled or fails.
func fallback(output string) Result {
	tail := lastLines(output, 20)

	for _, p := range fallbackWaitingPatterns {
		if p.MatchString(tail) {
			return Result{Passed: false, Feedback: "waiting for input", Confidence: 0.7}
		}
	}

	hasFailure := failureTokens.MatchString(tail)
	hasSuccess := successTokens.MatchString(tail)

	if hasFailure && !hasSuccess {
		return Result{Passed: false, Confidence: 0.6}
	}
	if hasSuccess && !hasFailure {
		return Result{Passed: true, Confidence: 0.6}
	}
	return Result{Passed: false, Feedback: "unable to determine", Confidence: 0.3}
}

// summaryPhrases collapses the fallback table to fixed human phrases for
// status_summary, each capped well under 100 characters.
var summaryPhrases = []struct {
	pattern *regexp.Regexp
	phrase  string
}{
	{regexp.MustCompile(`\?\s*$`), "Waiting for input..."},
	{regexp.MustCompile(`(?i)\(y/n\)`), "Waiting for input..."},
	{regexp.MustCompile(`(?i)continue\?`), "Waiting for input..."},
	{regexp.MustCompile(`(?i)press any key`), "Waiting for input..."},
	{failureTokens, "Encountered an error..."},
	{successTokens, "Wrapping up..."},
}

// StatusSummary calls the secondary status_summary endpoint (15s cap) and
// returns a <=100 character progress string, falling back to a fixed
// phrase from the same pattern table when the endpoint is disabled,
// slow, or fails.
func (v *Verifier) StatusSummary(ctx context.Context, taskName, output string) string {
	cfg, err := v.config(ctx)
	if err != nil || !cfg.Enabled || cfg.APIKey == "" {
		return fallbackSummary(output)
	}

	ctx, cancel := context.WithTimeout(ctx, statusSummaryTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     cfg.Model,
		MaxTokens: 64,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Summarize the current progress of this task in under 100 characters.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Task: %s\nOutput:\n%s", taskName, lastLines(output, 40)),
			},
		},
	}

	resp, err := v.client(cfg).CreateChatCompletion(ctx, req)
	if err != nil || len(resp.Choices) == 0 {
		return fallbackSummary(output)
	}

	phrase := strings.TrimSpace(resp.Choices[0].Message.Content)
	if len(phrase) > 100 {
		phrase = phrase[:100]
	}
	if phrase == "" {
		return fallbackSummary(output)
	}
	return phrase
}

func fallbackSummary(output string) string {
	tail := lastLines(output, 20)
	for _, sp := range summaryPhrases {
		if sp.pattern.MatchString(tail) {
			return sp.phrase
		}
	}
	return "Working..."
}
