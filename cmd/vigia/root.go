package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vigia-ai/vigia/internal/app"
	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/config"
	"github.com/vigia-ai/vigia/internal/logging"
)

type rootOptions struct {
	configPath string
	addr       string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "vigia",
		Short:         "Explainable self-harm risk scoring for student messages",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", envOr("VIGIA_CONFIG", "vigia.yaml"), "path to vigia config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	serve := newServeCommand(opts)
	serve.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides config)")

	cmd.AddCommand(serve, newScoreCommand(opts), newCheckConfigCommand(opts), newActivateCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			log.Info("starting vigia",
				logging.String("version", app.Version),
				logging.String("config", opts.configPath),
				logging.String("backend", cfg.Model.Backend),
				logging.String("translator", cfg.Translator.Type),
			)

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			return a.Run(ctx)
		},
	}
}

func newScoreCommand(opts *rootOptions) *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "score [text...]",
		Short: "Score one text (arguments, or stdin when none) and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("no text to score")
			}

			res, err := app.ScoreOnce(cmd.Context(), cfg, text)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the JSON output")
	return cmd
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: backend=%s translator=%s thresholds=%.2f/%.2f/%.2f\n",
				cfg.Model.Backend, cfg.Translator.Type,
				cfg.Thresholds.Low, cfg.Thresholds.Medium, cfg.Thresholds.High)
			return nil
		},
	}
}

// newActivateCommand switches the current version in a versioned models
// directory. A running server picks it up on POST /admin/reload.
func newActivateCommand(opts *rootOptions) *cobra.Command {
	var (
		bundleDir string
		rollback  bool
	)
	cmd := &cobra.Command{
		Use:   "activate [version]",
		Short: "Make a model bundle version current (or roll back to the previous one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := strings.TrimSpace(bundleDir)
			if dir == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				dir = strings.TrimSpace(cfg.Model.BundleDir)
			}
			if dir == "" {
				return errors.New("no models directory: set model.bundle_dir or --bundle-dir")
			}

			var version string
			switch {
			case rollback && len(args) > 0:
				return errors.New("--rollback takes no version")
			case rollback:
				st, err := classifier.LoadBundleState(dir)
				if err != nil {
					return err
				}
				if st.PreviousVersion == "" {
					return errors.New("no previous version to roll back to")
				}
				version = st.PreviousVersion
			case len(args) == 1:
				version = args[0]
			default:
				return errors.New("version is required")
			}

			st, err := classifier.ActivateVersion(dir, version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active=%s previous=%s\n", st.CurrentVersion, st.PreviousVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle-dir", "", "versioned models directory (defaults to model.bundle_dir)")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "re-activate the previous version")
	return cmd
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
