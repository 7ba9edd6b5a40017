// Binary spindle runs a declarative agent spec as an interactive chat.
//
// Usage:
//
//	spindle [flags]
//
// Flags:
//
//	-spec     path to the agent spec file (default: agent.yaml)
//	-prompt   one-shot prompt (skips interactive mode)
//	-session  session ID to resume
//	-verbose  log lifecycle events to stderr
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spindle-dev/spindle/pkg/gate"
	"github.com/spindle-dev/spindle/pkg/hooks"
	"github.com/spindle-dev/spindle/pkg/runtime"
	"github.com/spindle-dev/spindle/pkg/storage"
)

func main() {
	specPath := flag.String("spec", "agent.yaml", "path to the agent spec file")
	oneShot := flag.String("prompt", "", "one-shot prompt (non-interactive)")
	sessionID := flag.String("session", "", "session ID to resume")
	verbose := flag.Bool("verbose", false, "log lifecycle events to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	builder, err := runtime.FromYAMLFile(*specPath)
	if err != nil {
		fatalf("spec: %v", err)
	}
	builder.WithLogger(logger).
		WithApprovalHandler(terminalApprover{}).
		WithHooks(hooks.NewLogging(logger))
	if *sessionID != "" {
		builder.WithSessionID(*sessionID)
	}

	agent, err := builder.Build()
	if err != nil {
		fatalf("build: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *sessionID != "" {
		switch err := agent.RestoreSession(ctx); {
		case err == nil:
			fmt.Fprintf(os.Stderr, "[resumed session %s, %d messages]\n",
				agent.SessionID(), agent.Memory().Len())
		case errors.Is(err, storage.ErrNotFound):
			fmt.Fprintf(os.Stderr, "[new session %s]\n", agent.SessionID())
		default:
			fatalf("restore: %v", err)
		}
	}

	if *oneShot != "" {
		resp, err := agent.Chat(ctx, *oneShot)
		if err != nil {
			fatalf("chat: %v", err)
		}
		fmt.Println(resp.Content)
		return
	}

	fmt.Fprintf(os.Stderr, "%s ready (ctrl-d to exit)\n", agent.Name())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		resp, err := agent.Chat(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(resp.Content)
	}
}

// terminalApprover prompts on the controlling terminal for HITL approvals.
type terminalApprover struct{}

func (terminalApprover) RequestApproval(ctx context.Context, req gate.Request) (gate.Outcome, error) {
	fmt.Fprintf(os.Stderr, "\n[approval] %s (y/N): ", req.Message)

	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case a := <-answer:
		if a == "y" || a == "yes" {
			return gate.Approved, nil
		}
		return gate.Rejected, nil
	case <-ctx.Done():
		return gate.Timeout, nil
	}
}

func (terminalApprover) PreferredLanguage() string { return os.Getenv("SPINDLE_LANG") }

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
