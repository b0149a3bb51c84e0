package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/parleyhq/parley/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Worker  commands.WorkerCmd  `cmd:"" help:"Run a worker pool against the shared job store"`
		Enqueue commands.EnqueueCmd `cmd:"" help:"Enqueue a conversation job"`
		Watch   commands.WatchCmd   `cmd:"" help:"Follow a conversation as updates arrive"`
		List    commands.ListCmd    `cmd:"" help:"List jobs"`
		Token   commands.TokenCmd   `cmd:"" help:"Generate a JWT token"`
		Debug   bool                `help:"Enable debug mode."`
		Version kong.VersionFlag
	}
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
