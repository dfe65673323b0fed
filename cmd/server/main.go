// Command server runs the tokengate admission gateway.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/sundayezeilo/tokengate/internal/app"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("tokengate: %v", err)
	}
}

func run() error {
	ctx := context.Background()

	// Initialize application
	application, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	defer application.Shutdown()

	// Start gateway (blocks until shutdown)
	return application.Start(ctx)
}
