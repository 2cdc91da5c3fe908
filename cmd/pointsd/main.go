package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukerupert/screenpoints/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "pointsd:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
