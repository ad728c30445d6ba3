package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opd-ai/playout/config"
	"github.com/opd-ai/playout/host"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to playout config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "playout config in YAML, typically passed in as an environment var",
		EnvVars: []string{"PLAYOUT_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides the configured log level",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	app := &cli.App{
		Name:  "playout",
		Usage: "receive, de-jitter and play QUIC datagram audio",
		Flags: baseFlags,
		Commands: []*cli.Command{
			{
				Name:   "play",
				Usage:  "connect to a server and play its audio",
				Action: play,
				Flags:  playFlags,
			},
			{
				Name:   "serve",
				Usage:  "send a test tone to every client through a simulated network",
				Action: serve,
				Flags:  serveFlags,
			},
			{
				Name:   "bench",
				Usage:  "simulate jitter offline and report concealment against target delay",
				Action: bench,
				Flags:  benchFlags,
			},
		},
		Version: host.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.Parse([]byte(confString), !c.Bool("disable-strict-config"))
	if err != nil {
		return nil, err
	}
	if level := c.String("log-level"); level != "" {
		conf.Logging.Level = level
	}
	if err := conf.ApplyLogging(); err != nil {
		return nil, err
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
