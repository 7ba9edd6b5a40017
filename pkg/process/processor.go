package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/template"
	"github.com/spindle-dev/spindle/pkg/tools"
)

// Data flows through the pipeline: the content being transformed plus the
// accumulated context and metadata.
type Data struct {
	Content  string
	Context  map[string]any
	Metadata Metadata
}

// Metadata accumulates pipeline bookkeeping.
type Metadata struct {
	Rejected        bool
	RejectionReason string
	// Regenerate asks the orchestrator to re-run the model with feedback.
	Regenerate bool
	Feedback   string
	Warnings   []string
	Timings    []StageTiming
}

// StageTiming records one stage's wall time.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// NewData seeds pipeline data from content.
func NewData(content string) *Data {
	return &Data{Content: content, Context: make(map[string]any)}
}

func (d *Data) warn(format string, args ...any) {
	d.Metadata.Warnings = append(d.Metadata.Warnings, fmt.Sprintf(format, args...))
}

func (d *Data) reject(reason string) {
	d.Metadata.Rejected = true
	d.Metadata.RejectionReason = reason
}

// ToolRunner dispatches an enrich tool call; wired by the orchestrator so
// pipeline tool fetches pass the same gate as loop tool calls.
type ToolRunner func(ctx context.Context, id string, args map[string]any) (tools.Result, error)

// Processor runs the configured stages.
type Processor struct {
	config   Config
	registry *llm.Registry
	runTool  ToolRunner
	client   *http.Client
	logger   *slog.Logger
}

// NewProcessor creates a processor. registry may be nil when no stage calls
// a model; runTool may be nil when no enrich stage uses a tool source.
func NewProcessor(cfg Config, registry *llm.Registry) *Processor {
	return &Processor{
		config:   cfg,
		registry: registry,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
}

// WithToolRunner wires enrich tool dispatch.
func (p *Processor) WithToolRunner(r ToolRunner) *Processor {
	p.runTool = r
	return p
}

// WithLogger overrides the default logger.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// ProcessInput runs the input stages over a user message.
func (p *Processor) ProcessInput(ctx context.Context, input string) (*Data, error) {
	d := NewData(input)
	err := p.runStages(ctx, p.config.Input, d)
	return d, err
}

// ProcessOutput runs the output stages over an assistant reply. inputCtx is
// the context produced by the input pass; output stages see and extend it.
func (p *Processor) ProcessOutput(ctx context.Context, output string, inputCtx map[string]any) (*Data, error) {
	d := NewData(output)
	for k, v := range inputCtx {
		d.Context[k] = v
	}
	err := p.runStages(ctx, p.config.Output, d)
	return d, err
}

func (p *Processor) runStages(ctx context.Context, stages []Stage, d *Data) error {
	for i := range stages {
		stage := &stages[i]
		if d.Metadata.Rejected {
			return nil
		}
		if !stage.Condition.Eval(d) {
			continue
		}

		start := time.Now()
		err := p.execWithPolicy(ctx, stage, d)
		d.Metadata.Timings = append(d.Metadata.Timings, StageTiming{
			Stage:    stage.Name(),
			Duration: time.Since(start),
		})
		if err != nil {
			return fmt.Errorf("process: stage %s: %w", stage.Name(), err)
		}
	}
	return nil
}

// execWithPolicy applies the pipeline's on_stage_error policy around one
// stage execution.
func (p *Processor) execWithPolicy(ctx context.Context, stage *Stage, d *Data) error {
	err := p.execStage(ctx, stage, d)
	if err == nil {
		return nil
	}

	switch p.config.Settings.OnStageError {
	case "stop":
		return err
	case "retry":
		retries := p.config.Settings.MaxRetries
		if retries <= 0 {
			retries = 2
		}
		backoff := time.Duration(p.config.Settings.BackoffMs) * time.Millisecond
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		for attempt := 0; attempt < retries; attempt++ {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err = p.execStage(ctx, stage, d); err == nil {
				return nil
			}
			backoff *= 2
		}
		return err
	default: // continue
		p.logger.Warn("process stage failed, continuing", "stage", stage.Name(), "error", err)
		d.warn("stage %s failed: %v", stage.Name(), err)
		return nil
	}
}

func (p *Processor) execStage(ctx context.Context, stage *Stage, d *Data) error {
	switch stage.Type {
	case StageNormalize:
		return p.execNormalize(&stage.Config, d)
	case StageDetect:
		return p.execDetect(ctx, &stage.Config, d)
	case StageExtract:
		return p.execExtract(ctx, &stage.Config, d)
	case StageSanitize:
		return p.execSanitize(ctx, &stage.Config, d)
	case StageTransform:
		return p.execTransform(ctx, &stage.Config, d)
	case StageValidate:
		return p.execValidate(ctx, &stage.Config, d)
	case StageFormat:
		return p.execFormat(&stage.Config, d)
	case StageEnrich:
		return p.execEnrich(ctx, &stage.Config, d)
	case StageConditional:
		return p.execConditional(ctx, &stage.Config, d)
	}
	return fmt.Errorf("unknown stage type %q", stage.Type)
}

// ---------------------------------------------------------------------------
// normalize
// ---------------------------------------------------------------------------

var whitespaceRe = regexp.MustCompile(`\s+`)

func (p *Processor) execNormalize(cfg *StageConfig, d *Data) error {
	s := d.Content
	if cfg.TrimEnabled() {
		s = strings.TrimSpace(s)
	}
	if cfg.CollapseWhitespace {
		s = whitespaceRe.ReplaceAllString(s, " ")
	}
	if cfg.Lowercase {
		s = strings.ToLower(s)
	}
	switch strings.ToLower(cfg.Unicode) {
	case "":
	case "nfc":
		s = norm.NFC.String(s)
	case "nfd":
		s = norm.NFD.String(s)
	case "nfkc":
		s = norm.NFKC.String(s)
	case "nfkd":
		s = norm.NFKD.String(s)
	default:
		return fmt.Errorf("unknown unicode form %q", cfg.Unicode)
	}
	d.Content = s
	return nil
}

// ---------------------------------------------------------------------------
// detect
// ---------------------------------------------------------------------------

func (p *Processor) execDetect(ctx context.Context, cfg *StageConfig, d *Data) error {
	if len(cfg.Detect) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Analyze the message and reply with ONLY a JSON object with these keys:\n")
	for _, key := range cfg.Detect {
		switch key {
		case "intent":
			sb.WriteString(`- "intent": one of [`)
			for i, in := range cfg.Intents {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "%q (%s)", in.ID, in.Description)
			}
			sb.WriteString("] or null\n")
		default:
			fmt.Fprintf(&sb, "- %q: a short lowercase value\n", key)
		}
	}
	fmt.Fprintf(&sb, "\nMessage: %s", d.Content)

	reply, err := p.complete(ctx, cfg.LLM, sb.String(), 0)
	if err != nil {
		return err
	}

	var detected map[string]any
	if err := json.Unmarshal([]byte(extractJSON(reply)), &detected); err != nil {
		return fmt.Errorf("detect reply not JSON: %w", err)
	}

	for key, value := range detected {
		target := key
		if mapped, ok := cfg.StoreInContext[key]; ok {
			target = mapped
		}
		d.Context[target] = value
	}
	return nil
}

// ---------------------------------------------------------------------------
// extract
// ---------------------------------------------------------------------------

func (p *Processor) execExtract(ctx context.Context, cfg *StageConfig, d *Data) error {
	if len(cfg.Schema) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Extract the following fields from the message. Reply with ONLY a JSON object. Use null for fields that are not present.\n\nFields:\n")
	for name, f := range cfg.Schema {
		fmt.Fprintf(&sb, "- %q (%s)", name, orDefault(f.Type, "string"))
		if f.Description != "" {
			fmt.Fprintf(&sb, ": %s", f.Description)
		}
		if len(f.Values) > 0 {
			fmt.Fprintf(&sb, " — one of %v", f.Values)
		}
		if f.Required {
			sb.WriteString(" (required)")
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nMessage: %s", d.Content)

	reply, err := p.complete(ctx, cfg.LLM, sb.String(), 0)
	if err != nil {
		return err
	}

	var extracted map[string]any
	if err := json.Unmarshal([]byte(extractJSON(reply)), &extracted); err != nil {
		return fmt.Errorf("extract reply not JSON: %w", err)
	}

	for name, f := range cfg.Schema {
		if f.Required {
			if v, ok := extracted[name]; !ok || v == nil {
				d.warn("extract: required field %s missing", name)
			}
		}
	}

	if cfg.StoreAs != "" {
		d.Context[cfg.StoreAs] = extracted
		return nil
	}
	for k, v := range extracted {
		d.Context[k] = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// sanitize
// ---------------------------------------------------------------------------

var piiPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"ip_address":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

func (p *Processor) execSanitize(ctx context.Context, cfg *StageConfig, d *Data) error {
	for _, substr := range cfg.Remove {
		d.Content = strings.ReplaceAll(d.Content, substr, "")
	}

	if cfg.PII != nil {
		mask := cfg.PII.MaskChar
		if mask == "" {
			mask = "*"
		}
		for _, typ := range cfg.PII.Types {
			re, ok := piiPatterns[typ]
			if !ok {
				d.warn("sanitize: unknown pii type %s", typ)
				continue
			}
			switch cfg.PII.Action {
			case "remove":
				d.Content = re.ReplaceAllString(d.Content, "")
			case "flag":
				if re.MatchString(d.Content) {
					d.Context["pii_detected"] = true
				}
			default: // mask
				d.Content = re.ReplaceAllStringFunc(d.Content, func(m string) string {
					return strings.Repeat(mask, len(m))
				})
			}
		}
	}

	if cfg.Harmful != nil && len(cfg.Harmful.Detect) > 0 {
		prompt := fmt.Sprintf(
			`Does the following message contain any of: %s? Reply with ONLY "yes" or "no".

Message: %s`,
			strings.Join(cfg.Harmful.Detect, ", "), d.Content)

		reply, err := p.complete(ctx, cfg.LLM, prompt, 0)
		if err != nil {
			return err
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "yes") {
			switch cfg.Harmful.Action {
			case "block":
				d.reject("Content blocked by safety screening")
			case "remove":
				d.Content = ""
				d.Context["harmful_detected"] = true
			default: // flag
				d.Context["harmful_detected"] = true
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// transform
// ---------------------------------------------------------------------------

func (p *Processor) execTransform(ctx context.Context, cfg *StageConfig, d *Data) error {
	vars := map[string]any{"content": d.Content, "context": d.Context}
	prompt, err := template.Render(cfg.Prompt, vars)
	if err != nil {
		return err
	}
	reply, err := p.complete(ctx, cfg.LLM, prompt, cfg.MaxOutputTokens)
	if err != nil {
		return err
	}
	d.Content = strings.TrimSpace(reply)
	return nil
}

// ---------------------------------------------------------------------------
// validate
// ---------------------------------------------------------------------------

func (p *Processor) execValidate(ctx context.Context, cfg *StageConfig, d *Data) error {
	for _, rule := range cfg.Rules {
		switch {
		case rule.MinLength > 0 && len(d.Content) < rule.MinLength:
			p.applyRuleFailure(d, rule, fmt.Sprintf("content shorter than %d characters", rule.MinLength))
		case rule.MaxLength > 0 && len(d.Content) > rule.MaxLength:
			if rule.OnFail == "truncate" {
				d.Content = d.Content[:rule.MaxLength]
				continue
			}
			p.applyRuleFailure(d, rule, fmt.Sprintf("content longer than %d characters", rule.MaxLength))
		case rule.Pattern != "":
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
			}
			if !re.MatchString(d.Content) {
				p.applyRuleFailure(d, rule, fmt.Sprintf("content does not match %q", rule.Pattern))
			}
		}
		if d.Metadata.Rejected {
			return nil
		}
	}

	if len(cfg.Criteria) > 0 {
		prompt := fmt.Sprintf(
			`Rate how well the text satisfies each criterion from 0.0 to 1.0 and reply with ONLY a JSON object {"score": <overall 0.0-1.0>}.

Criteria:
- %s

Text: %s`,
			strings.Join(cfg.Criteria, "\n- "), d.Content)

		reply, err := p.complete(ctx, cfg.LLM, prompt, 0)
		if err != nil {
			return err
		}
		var verdict struct {
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(extractJSON(reply)), &verdict); err != nil {
			return fmt.Errorf("validate rubric reply not JSON: %w", err)
		}
		threshold := cfg.Threshold
		if threshold == 0 {
			threshold = 0.7
		}
		if verdict.Score < threshold {
			reason := fmt.Sprintf("quality score %.2f below threshold %.2f", verdict.Score, threshold)
			switch cfg.OnFail.Action {
			case "warn":
				d.warn("validate: %s", reason)
			case "regenerate":
				d.Metadata.Regenerate = true
				if cfg.OnFail.FeedbackToAgent {
					d.Metadata.Feedback = reason
				}
			default:
				d.reject(reason)
			}
		}
	}
	return nil
}

func (p *Processor) applyRuleFailure(d *Data, rule ValidationRule, reason string) {
	if rule.Message != "" {
		reason = rule.Message
	}
	switch rule.OnFail {
	case "warn":
		d.warn("validate: %s", reason)
	default:
		d.reject(reason)
	}
}

// ---------------------------------------------------------------------------
// format
// ---------------------------------------------------------------------------

func (p *Processor) execFormat(cfg *StageConfig, d *Data) error {
	tmpl := cfg.Template
	maxLen := 0

	if cfg.Channel != "" {
		if ch, ok := cfg.Channels[cfg.Channel]; ok {
			if ch.Template != "" {
				tmpl = ch.Template
			}
			maxLen = ch.MaxLength
		}
	}

	if tmpl != "" {
		vars := map[string]any{"content": d.Content, "context": d.Context}
		out, err := template.Render(tmpl, vars)
		if err != nil {
			return err
		}
		d.Content = out
	}
	if maxLen > 0 {
		if r := []rune(d.Content); len(r) > maxLen {
			d.Content = string(r[:maxLen])
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// enrich
// ---------------------------------------------------------------------------

func (p *Processor) execEnrich(ctx context.Context, cfg *StageConfig, d *Data) error {
	src := cfg.Source
	var value any
	var err error
	switch {
	case src.URL != "":
		value, err = p.enrichHTTP(ctx, src, d)
	case src.File != "":
		value, err = enrichFile(src.File)
	case src.Tool != "":
		value, err = p.enrichTool(ctx, src, d)
	default:
		return fmt.Errorf("enrich source is empty")
	}
	if err != nil {
		switch cfg.OnError {
		case "stop":
			return err
		case "warn":
			d.warn("enrich failed: %v", err)
			return nil
		default:
			return nil
		}
	}

	key := cfg.StoreAs
	if key == "" {
		key = "enrichment"
	}
	d.Context[key] = value
	return nil
}

func (p *Processor) enrichHTTP(ctx context.Context, src *EnrichSource, d *Data) (any, error) {
	url, err := template.Render(src.URL, map[string]any{"content": d.Content, "context": d.Context})
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(orDefault(src.Method, http.MethodGet))

	var body io.Reader
	if src.Body != nil {
		b, err := json.Marshal(src.Body)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("enrich: %s returned %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw), nil
	}
	return decoded, nil
}

func enrichFile(path string) (any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw), nil
	}
	return decoded, nil
}

func (p *Processor) enrichTool(ctx context.Context, src *EnrichSource, d *Data) (any, error) {
	if p.runTool == nil {
		return nil, fmt.Errorf("enrich: no tool runner configured")
	}
	res, err := p.runTool(ctx, src.Tool, src.Args)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("enrich: tool %s failed: %s", src.Tool, res.Output)
	}
	var decoded any
	if err := json.Unmarshal([]byte(res.Output), &decoded); err != nil {
		return res.Output, nil
	}
	return decoded, nil
}

// ---------------------------------------------------------------------------
// conditional
// ---------------------------------------------------------------------------

func (p *Processor) execConditional(ctx context.Context, cfg *StageConfig, d *Data) error {
	branch := cfg.Else
	if cfg.If.Eval(d) {
		branch = cfg.Then
	}
	return p.runStages(ctx, branch, d)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *Processor) complete(ctx context.Context, alias, prompt string, maxTokens int) (string, error) {
	if p.registry == nil {
		return "", fmt.Errorf("no llm registry configured")
	}
	// Pipeline calls are classification-shaped; unaliased stages use the
	// router model.
	var provider llm.Provider
	var err error
	if alias == "" {
		provider, err = p.registry.Router()
	} else {
		provider, err = p.registry.Resolve(alias)
	}
	if err != nil {
		return "", err
	}
	var cfg *llm.CompletionConfig
	if maxTokens > 0 {
		cfg = &llm.CompletionConfig{MaxTokens: maxTokens}
	}
	resp, err := provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, cfg)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// extractJSON strips code fences and surrounding prose around a JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
