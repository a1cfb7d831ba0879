package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:   "notes",
		Usage:  "Store short text notes and search them over HTTP",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("NOTES_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "directory",
				Aliases: []string{"d"},
				Usage:   "Directory holding the note index. Either this or --temp-dir must be given",
			},
			&cli.BoolFlag{
				Name:    "temp-dir",
				Aliases: []string{"t"},
				Usage:   "Keep the index in a fresh temporary directory, removed on exit. Takes precedence over --directory",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "Print note change events from Kafka",
				Action: watch,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "from-start",
						Usage: "Replay the topic from its first retained event",
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("notes failed", "error", err)
		os.Exit(1)
	}
}
