package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/talkincode/wapair/config"
	"github.com/talkincode/wapair/internal/app"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "wapair",
		Short:         "WhatsApp phone-number pairing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "wapair.yml", "config file")
	root.AddCommand(newServeCmd(), newPairCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and initializes the application context.
func setup() (*app.Application, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	a := app.NewApplication(cfg)
	if err := a.Init(cfg); err != nil {
		return nil, err
	}
	return a, nil
}
