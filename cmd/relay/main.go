package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "relay",
		Usage: "Accept messages over HTTP and publish them to a message broker",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Dotenv files loaded before the command flags are read",
			},
		},
		Before: loadEnvFiles,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the relay",
				Flags:  runFlags(),
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFiles loads --env-file values into the process environment so the
// run command's EnvVars and the adapter env configs pick them up. Variables
// already set in the environment win.
func loadEnvFiles(c *cli.Context) error {
	files := c.StringSlice("env-file")
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}
