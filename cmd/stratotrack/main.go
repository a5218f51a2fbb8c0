package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/skyborne/stratotrack/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "stratotrack",
		Usage: "Track and predict stratospheric balloon constellations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server.listen",
				Aliases: []string{"listen", "l"},
				Value:   ":8080",
				Usage:   "`ADDRESS` to listen on (e.g., ':8080')",
				Sources: cli.EnvVars("LISTEN"),
			},
			&cli.StringFlag{
				Name:    "source.url",
				Aliases: []string{"source"},
				Value:   "https://a.windbornesystems.com/treasure",
				Usage:   "Base `URL` of the hourly balloon feed",
				Sources: cli.EnvVars("SOURCE_URL"),
			},
			&cli.StringFlag{
				Name:    "wind.url",
				Aliases: []string{"wind"},
				Value:   "https://api.open-meteo.com/v1/forecast",
				Usage:   "Base `URL` of the upper-air wind provider",
				Sources: cli.EnvVars("WIND_URL"),
			},
			&cli.StringFlag{
				Name:    "storage.path",
				Aliases: []string{"db"},
				Value:   "stratotrack.db",
				Usage:   "`PATH` of the snapshot database (':memory:' for ephemeral)",
				Sources: cli.EnvVars("STORAGE_PATH"),
			},
			&cli.BoolFlag{
				Name:    "ingest.auto",
				Value:   true,
				Usage:   "Run the hourly ingest scheduler in-process",
				Sources: cli.EnvVars("INGEST_AUTO"),
			},
			&cli.BoolFlag{
				Name:    "metrics.enabled",
				Aliases: []string{"metrics", "m"},
				Value:   true,
				Usage:   "Enable Prometheus metrics endpoint",
			},
			&cli.StringFlag{
				Name:    "tracing.endpoint",
				Aliases: []string{"tracing", "t"},
				Value:   "",
				Usage:   "OpenTelemetry collector `ENDPOINT` for traces",
				Sources: cli.EnvVars("OTEL_ENDPOINT"),
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("DEBUG"),
			},
		},
		Action: app.Run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
