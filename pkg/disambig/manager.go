package disambig

import (
	"context"
	"log/slog"
	"sync"
)

// pending is the at-most-one clarification in flight per session.
type pending struct {
	originalInput string
	question      Question
	detection     DetectionResult
	attempts      int
}

// Manager is the disambiguation controller for one session.
type Manager struct {
	config    Config
	detector  *Detector
	clarifier *Clarifier
	logger    *slog.Logger

	mu      sync.Mutex
	pending *pending
}

// New wires the controller over a detector and clarifier pair.
func New(cfg Config, detector *Detector, clarifier *Clarifier) *Manager {
	cfg.fillDefaults()
	return &Manager{
		config:    cfg,
		detector:  detector,
		clarifier: clarifier,
		logger:    slog.Default(),
	}
}

// WithLogger overrides the default logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

func (m *Manager) Enabled() bool { return m.config.Enabled }
func (m *Manager) Config() Config { return m.config }

// HasPending reports whether a clarification is in flight.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// PendingAttempts returns the attempt count of the pending clarification.
func (m *Manager) PendingAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return 0
	}
	return m.pending.attempts
}

// ClearPending drops any in-flight clarification.
func (m *Manager) ClearPending() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// ProcessInput runs the controller for one input: answer handling when a
// clarification is pending, otherwise skip checks, detection, and question
// generation. stateOv and skillOv narrow thresholds (skill wins, then
// state, then config).
func (m *Manager) ProcessInput(ctx context.Context, input string, dc *Context, stateOv, skillOv *Override) (Result, error) {
	if !m.config.Enabled && stateOv == nil && skillOv == nil {
		return Result{Outcome: OutcomeClear}, nil
	}

	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()
	if p != nil {
		return m.handleAnswer(ctx, input, p, dc)
	}

	if ShouldSkip(input, m.config.SkipWhen) {
		return Result{Outcome: OutcomeClear}, nil
	}

	threshold := m.effectiveThreshold(stateOv, skillOv)
	detection, err := m.detector.Detect(ctx, input, dc)
	if err != nil {
		return Result{}, err
	}

	m.logger.Debug("ambiguity detection complete",
		"is_ambiguous", detection.IsAmbiguous,
		"confidence", detection.Confidence,
		"threshold", threshold)

	if !detection.IsAmbiguous && detection.Confidence >= threshold {
		return Result{Outcome: OutcomeClear}, nil
	}

	question, err := m.clarifier.Generate(ctx, input, detection, dc, "")
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.pending = &pending{
		originalInput: input,
		question:      question,
		detection:     detection,
		attempts:      1,
	}
	m.mu.Unlock()

	return Result{
		Outcome:   OutcomeNeedsClarification,
		Question:  question,
		Detection: detection,
	}, nil
}

func (m *Manager) handleAnswer(ctx context.Context, answer string, p *pending, dc *Context) (Result, error) {
	parsed, err := m.clarifier.ParseAnswer(ctx, p.originalInput, p.question, answer, dc)
	if err != nil {
		return Result{}, err
	}

	if parsed.Understood {
		m.ClearPending()
		m.logger.Info("clarification resolved",
			"original", p.originalInput, "enriched", parsed.EnrichedInput)
		return Result{
			Outcome:       OutcomeClarified,
			OriginalInput: p.originalInput,
			EnrichedInput: parsed.EnrichedInput,
			Resolved:      parsed.Resolved,
		}, nil
	}

	attempts := p.attempts + 1
	if attempts > m.config.MaxAttempts {
		m.ClearPending()
		return m.maxAttemptsResult(p.originalInput), nil
	}

	next := *dc
	next.PreviousQuestions = append(append([]string(nil), dc.PreviousQuestions...), p.question.Question)
	next.ClarificationAttempts = attempts

	question, err := m.clarifier.Generate(ctx, p.originalInput, p.detection, &next, "")
	if err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.pending = &pending{
		originalInput: p.originalInput,
		question:      question,
		detection:     p.detection,
		attempts:      attempts,
	}
	m.mu.Unlock()

	m.logger.Warn("clarification answer not understood, retrying",
		"attempts", attempts, "max", m.config.MaxAttempts)

	return Result{
		Outcome:   OutcomeNeedsClarification,
		Question:  question,
		Detection: p.detection,
	}, nil
}

func (m *Manager) maxAttemptsResult(originalInput string) Result {
	switch m.config.OnMaxAttempts {
	case ApologizeAndStop:
		return Result{
			Outcome: OutcomeGiveUp,
			Reason:  "Unable to understand your request after multiple attempts",
		}
	case Escalate:
		return Result{
			Outcome: OutcomeEscalate,
			Reason:  "User request requires human assistance",
		}
	default:
		return Result{
			Outcome:       OutcomeBestGuess,
			OriginalInput: originalInput,
			EnrichedInput: originalInput,
		}
	}
}

func (m *Manager) effectiveThreshold(stateOv, skillOv *Override) float64 {
	if skillOv != nil && skillOv.Threshold != nil {
		return *skillOv.Threshold
	}
	if stateOv != nil && stateOv.Threshold != nil {
		return *stateOv.Threshold
	}
	return m.config.Threshold
}
