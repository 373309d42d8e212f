package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"counsel/internal/orchestrator"
)

// runChat is the interactive terminal mode. Each line becomes one
// turn against the named advisor; streamed content and tool activity
// print as they happen. Useful for trying out advisor definitions
// without the HTTP server.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath, advisorName string) error {
	d, err := buildDeps(io.Discard, configPath)
	if err != nil {
		return err
	}
	defer d.store.Close()

	adv := d.advisors.Get(advisorName)
	if advisorName == "" {
		adv = d.advisors.Default()
	}
	if adv == nil {
		return fmt.Errorf("advisor %q not found in %s", advisorName, d.cfg.AdvisorsDir)
	}

	fmt.Fprintf(stdout, "Chatting with %s (%s via %s). Ctrl-D or /quit to exit.\n", adv.Name, adv.Model, adv.Gateway)

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprintf(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		result, err := d.engine.Submit(ctx, adv.Name, line, chatSink(stdout))
		if err != nil {
			fmt.Fprintf(stdout, "\nerror: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout)
		if result.State != orchestrator.StateFinished {
			fmt.Fprintf(stdout, "[turn %s]\n", result.State)
		}
	}
	fmt.Fprintln(stdout)
	return scanner.Err()
}

// chatSink renders turn events for a terminal: content inline, tool
// activity as bracketed markers.
func chatSink(w io.Writer) orchestrator.Sink {
	return func(ev orchestrator.Event) {
		switch ev.Kind {
		case orchestrator.EventContent:
			fmt.Fprint(w, ev.Content)
		case orchestrator.EventToolCall:
			fmt.Fprintf(w, "\n[%s: running %s]\n", ev.Advisor, ev.Tool)
		case orchestrator.EventToolOutput:
			fmt.Fprintln(w, ev.Content)
		case orchestrator.EventToolResult:
			if ev.IsError {
				fmt.Fprintf(w, "[%s failed: %s]\n", ev.Tool, ev.Content)
			}
		}
	}
}
