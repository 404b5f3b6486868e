// Package main is the entry point of the psycop-flatten command.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/psycop-feature-generation/internal/cli"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, cancelling run...")
		cancel()
	}()

	if err := cli.New(os.Stdout).Run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("psycop-flatten: %v", err)
	}
}
