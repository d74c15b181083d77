package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/riboflow/internal/config"
	"github.com/example/riboflow/internal/ctxlog"
	"github.com/example/riboflow/internal/domain"
	"github.com/example/riboflow/internal/pipeline"
	"github.com/example/riboflow/internal/riboviz"
	"github.com/example/riboflow/internal/storage"
	"github.com/example/riboflow/internal/storage/sqlite"
)

// runtimeConfig loads --config and applies the global flags over it.
func runtimeConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	err = cfg.Merge(&config.Config{
		WorkDir:    workDir,
		LedgerPath: ledgerPath,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// withLogger attaches the configured logger to ctx.
func withLogger(ctx context.Context, cmd *cobra.Command, cfg *config.Config) context.Context {
	return ctxlog.WithLogger(ctx, config.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()))
}

// source is a loaded pipeline together with the riboviz configuration it
// was generated from, if any.
type source struct {
	def     *pipeline.Definition
	riboviz *riboviz.Config
}

// loadSource loads exactly one of --pipeline or --riboviz and applies
// --param overrides.
func loadSource(pipelinePath, ribovizPath string, params []string) (*source, error) {
	var src source
	switch {
	case pipelinePath != "" && ribovizPath != "":
		return nil, domain.Configf(domain.ErrConfig, "--pipeline and --riboviz are mutually exclusive")
	case pipelinePath != "":
		def, err := pipeline.Load(pipelinePath)
		if err != nil {
			return nil, err
		}
		src.def = def
	case ribovizPath != "":
		cfg, err := riboviz.Load(ribovizPath)
		if err != nil {
			return nil, err
		}
		def, err := riboviz.Definition(cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ribovizPath, err)
		}
		src.def, src.riboviz = def, cfg
	default:
		return nil, domain.Configf(domain.ErrConfig, "one of --pipeline or --riboviz is required")
	}

	overrides, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 && src.def.Params == nil {
		src.def.Params = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		src.def.Params[k] = v
	}
	return &src, nil
}

// parseParams parses repeated key=value flags.
func parseParams(kvs []string) (map[string]string, error) {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, domain.Configf(domain.ErrConfig, "invalid --param %q, want key=value", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// openLedger opens the ledger database. Read-only commands pass create=false
// so a mistyped path is reported instead of creating an empty ledger.
func openLedger(ctx context.Context, cfg *config.Config, create bool) (storage.Ledger, error) {
	path := cfg.Ledger()
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: no ledger at %s (run riboflow run first)", domain.ErrIO, path)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	l, err := sqlite.OpenLedger(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	return l, nil
}
