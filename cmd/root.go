package cmd

import (
	"fmt"
	"os"

	"github.com/alapierre/go-fiscal-engine/fiscal/authority"
	"github.com/alapierre/go-fiscal-engine/fiscal/emission"
	"github.com/alapierre/go-fiscal-engine/fiscal/registry"
	"github.com/alapierre/go-fiscal-engine/internal/config"
	"github.com/alapierre/go-fiscal-engine/internal/db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fiscal",
	Short: "Fiscal document emission engine",
	Long: `Validates goods (NF-e) and service (NFS-e) invoices, submits them to the
tax authority and keeps the registry of authorized documents.

Example Usage:
  fiscal serve                       # start the HTTP API
  fiscal emit --file request.yaml    # emit one document from a request file
  fiscal list --series 1             # list authorized documents`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		cfg.SetupLogging()
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// engine is everything a command needs to emit and query documents.
type engine struct {
	db           *gorm.DB
	registry     *registry.GormRegistry
	orchestrator *emission.Orchestrator
}

func openEngine() (*engine, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	client, err := authority.New(authority.Options{
		Environment:    cfg.Authority.Env(),
		BaseURL:        cfg.Authority.BaseURL,
		Token:          cfg.Authority.Token,
		SimulatedDelay: cfg.Authority.SimulatedDelay,
		RejectReason:   cfg.Authority.RejectReason,
	})
	if err != nil {
		return nil, err
	}

	rate := cfg.ServiceTaxRate()
	reg := registry.New(gdb)
	orch := emission.New(emission.Deps{
		Authority: client,
		Registry:  reg,
		Sequencer: registry.NewSequencer(gdb),
		Attempts:  reg,
	}, emission.Options{
		DefaultSeries:  cfg.Emission.DefaultSeries,
		ServiceTaxRate: &rate,
		Timeout:        cfg.Authority.Timeout,
		AuditAttempts:  cfg.Emission.AuditAttempts,
	})

	logrus.WithFields(logrus.Fields{
		"environment": cfg.Authority.Env().Name(),
		"audit":       cfg.Emission.AuditAttempts,
	}).Debug("Engine ready")

	return &engine{db: gdb, registry: reg, orchestrator: orch}, nil
}

func (e *engine) Close() {
	if sqlDB, err := e.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
