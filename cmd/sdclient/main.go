package main

import (
	"log/slog"
	"os"

	"github.com/sdstudio/sdclient/cmd/sdclient/commands"
)

func main() {
	// Logs go to stderr so results printed on stdout stay pipeable
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
