package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/certgate/cmd/server/internal/commands"
	"github.com/wolfeidau/certgate/internal/config"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool              `help:"Enable debug mode." env:"CERTGATE_DEBUG"`
		Version kong.VersionFlag  `help:"Print version and exit."`
		Config  kong.ConfigFlag   `help:"Load flag values from a YAML file." env:"CERTGATE_CONFIG"`
		Serve   commands.ServeCmd `cmd:"" default:"withargs" help:"Terminate mutual TLS and greet authenticated clients"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("certgate-server"),
		kong.Description("Mutual TLS termination server that identifies clients by certificate commonName."),
		kong.Vars{
			"version": version,
		},
		kong.Configuration(config.YAML),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
