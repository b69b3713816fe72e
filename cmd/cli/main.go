package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/certgate/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Generate a development CA, server and client certificates"`
		Inspect   commands.InspectCmd   `cmd:"" help:"Extract the identity from a PEM encoded client certificate"`
		Hello     commands.HelloCmd     `cmd:"" help:"Call the server with a client certificate"`
		Debug     bool                  `help:"Enable debug mode."`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("certgate"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
