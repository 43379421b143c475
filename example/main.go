package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/tubelytics"
)

func main() {
	// in-memory upstream (see mock_upstream.go), no API key needed
	tl, err := tubelytics.New(
		tubelytics.WithClient(newMockUpstream()),
		tubelytics.WithPollInterval(5*time.Second),
		tubelytics.WithCacheTTL(2*time.Second),
		tubelytics.WithPort(8080),
	)
	if err != nil {
		slog.Error("failed to create tubelytics", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   tubelytics Demo                                     ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Printing new videos for \"gophers\" below             ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Or stream any topic:                                ║")
	fmt.Println("  ║   curl -N localhost:8080/api/subscribe?q=cats         ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tl.Start(ctx)
	_, err = tl.OpenSubscription(ctx, "gophers", tubelytics.SinkFunc(func(b tubelytics.Batch) {
		if b.Err != nil {
			fmt.Printf("subscription ended: %v\n", b.Err)
			return
		}
		for _, it := range b.Items {
			fmt.Printf("[%d] new video %s: %s\n", b.Seq, it.ID, it.Title)
		}
	}))
	if err != nil {
		slog.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	if err := tl.Run(ctx); err != nil {
		slog.Error("tubelytics error", "error", err)
		os.Exit(1)
	}
}
