// Command example is a minimal chat loop over the orchestrator: an in-memory
// store, the Anthropic model adapter and one demo tool. It reads prompts from
// stdin, streams assistant text as it is committed, and prints tool activity.
//
// Run with ANTHROPIC_API_KEY set:
//
//	go run goa.design/loom/example
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"

	"goa.design/loom/features/model/anthropic"
	"goa.design/loom/runtime/engine"
	"goa.design/loom/runtime/hooks"
	"goa.design/loom/runtime/part"
	"goa.design/loom/runtime/telemetry"
	"goa.design/loom/runtime/threads"
	"goa.design/loom/runtime/tools"
	"goa.design/loom/store"
	"goa.design/loom/store/inmem"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "example failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	modelID := os.Getenv("LOOM_MODEL")
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}
	client, err := anthropic.NewFromAPIKey(apiKey, modelID)
	if err != nil {
		return err
	}

	dispatcher := inmem.NewDispatcher()
	st := inmem.New(inmem.Options{Dispatcher: dispatcher})

	done := make(chan struct{}, 1)
	eng, err := engine.New(
		engine.Options{Store: st, Dispatcher: dispatcher, Model: client},
		engine.WithLogger(telemetry.NewClueLogger()),
		engine.WithCallbacks(&hooks.Callbacks{
			OnTurnComplete: func(ctx context.Context, ev hooks.TurnComplete) {
				done <- struct{}{}
			},
			OnError: func(ctx context.Context, ev hooks.TurnError) {
				log.Errorf(ctx, errors.New(ev.Error), "turn failed (%s)", ev.Kind)
				done <- struct{}{}
			},
			OnToolComplete: func(ctx context.Context, ev hooks.ToolComplete) {
				log.Infof(ctx, "tool %s -> %s", ev.ToolName, ev.Status)
			},
		}),
		engine.WithTools(tools.Definition{
			Name:        "current_time",
			Description: "Report the current time in RFC 3339 form.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return map[string]string{"time": time.Now().Format(time.RFC3339)}, nil
			},
		}),
	)
	if err != nil {
		return err
	}

	// Drive the in-memory scheduler and the recovery sweep in the background.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go st.SchedulerPump().Start(runCtx, 25*time.Millisecond)
	stopRecovery := eng.StartRecovery(runCtx)
	defer stopRecovery()

	threadID, err := eng.CreateThread(ctx, threads.CreateOptions{
		InitialMessages: []threads.SeedMessage{
			{Role: store.RoleSystem, Parts: []part.Part{part.Text("sys", "You are a terse assistant.")}},
		},
	})
	if err != nil {
		return err
	}
	log.Infof(ctx, "thread %s ready, type a prompt (ctrl-d to quit)", threadID)

	var cursor int64
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		prompt := scanner.Text()
		if prompt == "" {
			continue
		}
		if err := eng.SendMessage(ctx, threadID, prompt); err != nil {
			return err
		}
		cursor = relay(ctx, eng, threadID, cursor, done)
	}
}

// relay polls streamingUpdates until the turn completes, printing text deltas
// as they are committed.
func relay(ctx context.Context, eng *engine.Engine, threadID store.ThreadID, cursor int64, done <-chan struct{}) int64 {
	var printedSeq = make(map[string]bool)
	finished := false
	for {
		updates, next, err := eng.StreamingUpdates(ctx, threadID, cursor)
		if err != nil {
			log.Errorf(ctx, err, "streaming updates")
			return cursor
		}
		for _, u := range updates {
			key := fmt.Sprintf("%s/%d", u.StreamID, u.DeltaSeq)
			if printedSeq[key] {
				continue
			}
			printedSeq[key] = true
			for _, p := range u.Parts {
				if p.Type == part.TypeTextDelta {
					fmt.Print(p.Delta)
				}
			}
		}
		cursor = next
		if finished {
			fmt.Println()
			// Resume past the finished stream so the next turn does not
			// replay it.
			return cursor + 1
		}
		select {
		case <-done:
			// One more poll to flush the final batches.
			finished = true
		case <-time.After(50 * time.Millisecond):
		}
	}
}
