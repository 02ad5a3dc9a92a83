// Command negoctl talks to the nego backend: list and reorder menus, sections and products, watch
// orders change and edit them interactively.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/astromechza/nego/pkg/config"
	"github.com/astromechza/nego/pkg/logging"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/restapi"
)

var (
	configPath string
	baseURL    string
	token      string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "negoctl",
	Short:         "Reorder nego menus, sections and products",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if baseURL != "" {
			cfg.Client.BaseURL = baseURL
		}
		if token != "" {
			cfg.Client.Token = token
		}
		_, err = logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the yaml config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "backend url, overrides the config")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token, overrides the config")
	rootCmd.AddCommand(tokenCmd, listCmd, moveCmd, watchCmd, tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// partitionArgs parses "<kind> <parent-id>".
func partitionArgs(args []string) (ordering.Partition, error) {
	kind, err := ordering.ParseKind(args[0])
	if err != nil {
		return ordering.Partition{}, err
	}
	parent, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return ordering.Partition{}, fmt.Errorf("invalid parent id %q: %w", args[1], err)
	}
	return ordering.Partition{Kind: kind, ParentID: parent}, nil
}

func session() (*restapi.Session, error) {
	c, err := restapi.NewClient(cfg.Client.BaseURL, restapi.WithHTTPClient(&http.Client{Timeout: cfg.Client.RequestTimeout()}))
	if err != nil {
		return nil, err
	}
	return c.Session(cfg.Client.Token), nil
}
