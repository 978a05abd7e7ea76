package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/peterje/mctl/internal/cli"
	"github.com/peterje/mctl/internal/config"
	"github.com/peterje/mctl/internal/logging"
)

func main() {
	if err := logging.Init(logging.Config{Level: "warn", Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "mctl: %v\n", err)
		os.Exit(1)
	}

	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("mctl"),
		kong.Description("Manage MicroPython boards over serial or WebREPL."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{
			"password":   config.DefaultPassword,
			"proxy_addr": config.ProxyAddr(),
		},
	)

	err := ctx.Run(&c)
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mctl: %s\n", cli.Describe(err))
		os.Exit(1)
	}
}
