package main

import (
	"context"

	"github.com/dwdcheck/dwdcheck/internal/cmd/dwdcheck"
)

func main() {
	ctx := context.Background()
	dwdcheck.Run(ctx)
}
