package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/spindle-dev/spindle/pkg/llm"
	"github.com/spindle-dev/spindle/pkg/template"
)

// resolver turns an approval Message into the final text shown to the
// approver, walking the configured strategy chain until one yields a
// message.
type resolver struct {
	global   LanguageConfig
	registry *llm.Registry
	handler  Handler
}

// resolve renders the message for one request. msgCtx fills {{ key }}
// placeholders; userLang is the detected user language (may be empty).
func (r *resolver) resolve(ctx context.Context, msg Message, override *LanguageConfig, msgCtx map[string]any, userLang, defaultText string) string {
	cfg := r.global
	if override != nil {
		cfg = *override
	}

	strategies := append([]Strategy{cfg.Strategy}, cfg.Fallback...)
	for _, s := range strategies {
		if text, ok := r.tryStrategy(ctx, s, &cfg, msg, msgCtx, userLang); ok {
			return text
		}
	}

	// Nothing in the chain produced a message: simple template, then the
	// caller's default.
	if t := msg.Get(""); t != "" {
		return render(t, msgCtx)
	}
	return defaultText
}

func (r *resolver) tryStrategy(ctx context.Context, s Strategy, cfg *LanguageConfig, msg Message, msgCtx map[string]any, userLang string) (string, bool) {
	switch s {
	case StrategyAuto:
		return "", false
	case StrategyApprover:
		if r.handler == nil {
			return "", false
		}
		lang := r.handler.PreferredLanguage()
		if lang == "" {
			return "", false
		}
		if t := msg.Get(lang); t != "" {
			return render(t, msgCtx), true
		}
		return "", false
	case StrategyUser:
		if userLang == "" {
			return "", false
		}
		if t := msg.Get(userLang); t != "" {
			return render(t, msgCtx), true
		}
		return "", false
	case StrategyExplicit:
		if cfg.Explicit == "" {
			return "", false
		}
		if t := msg.Get(cfg.Explicit); t != "" {
			return render(t, msgCtx), true
		}
		return "", false
	case StrategyLLMGenerate:
		return r.generate(ctx, cfg, msg, msgCtx, userLang)
	}
	return "", false
}

func (r *resolver) generate(ctx context.Context, cfg *LanguageConfig, msg Message, msgCtx map[string]any, userLang string) (string, bool) {
	if r.registry == nil {
		return "", false
	}
	provider, err := r.registry.Resolve(cfg.LLM)
	if err != nil {
		return "", false
	}

	lang := userLang
	if lang == "" {
		lang = "en"
	}
	base := msg.Get("")
	if base == "" {
		base = template.Stringify(msgCtx)
	}

	prompt := fmt.Sprintf(`Write a one-sentence approval request in language %q asking a human to approve the following action. Reply with only the sentence.

Action: %s`, lang, render(base, msgCtx))

	resp, err := provider.Complete(ctx, []llm.ChatMessage{llm.User(prompt)}, nil)
	if err != nil {
		return "", false
	}
	out := strings.TrimSpace(resp.Content)
	return out, out != ""
}

func render(tmpl string, vars map[string]any) string {
	out, err := template.Render(tmpl, vars)
	if err != nil {
		return tmpl
	}
	return out
}
