package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/bhuvanprakash/jhol/auth"
	"github.com/bhuvanprakash/jhol/install"
	"github.com/bhuvanprakash/jhol/linker"
	"github.com/bhuvanprakash/jhol/metrics"
	"github.com/bhuvanprakash/jhol/registry"
	"github.com/bhuvanprakash/jhol/registry/retry"
	"github.com/bhuvanprakash/jhol/resolver"
	"github.com/bhuvanprakash/jhol/resolver/greedy"
	"github.com/bhuvanprakash/jhol/resolver/jagr"
	"github.com/bhuvanprakash/jhol/store"
)

// CLI wires jhol's surface: an install command with the three mode
// flags, plus cold-storage export/import for archiving store content
// around a prune. No shell completion, no config file.
type CLI struct {
	Verbose    bool          `help:"Enable debug logging" short:"v"`
	Install    InstallCmd    `cmd:"" help:"Install the project's dependencies" default:"1"`
	ExportCold ExportColdCmd `cmd:"" name:"export-cold" help:"Archive cold store content to an xz tarball before pruning"`
	ImportCold ImportColdCmd `cmd:"" name:"import-cold" help:"Restore cold store content from an archive written by export-cold"`
}

// ExportColdCmd archives every (or a named subset of) unpacked content
// hash into a single xz-compressed tar archive at Dest.
type ExportColdCmd struct {
	CacheRoot string   `help:"Content-addressed store directory" env:"JHOL_CACHE_ROOT"`
	Dest      string   `arg:"" help:"Output archive path"`
	Hashes    []string `help:"Restrict the export to these content hashes; omit to export everything the index references"`
}

func (cmd *ExportColdCmd) Run(cli *CLI) error {
	log := newCLILogger(cli.Verbose)
	cacheRoot, err := resolveCacheRoot(cmd.CacheRoot)
	if err != nil {
		return err
	}
	st, err := store.Open(cacheRoot, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	f, err := os.Create(cmd.Dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	exported, err := st.ExportColdStorage(context.Background(), f, cmd.Hashes)
	if err != nil {
		return fmt.Errorf("failed to export cold storage: %w", err)
	}
	log.Info("exported cold storage", slog.Int("count", exported), slog.String("dest", cmd.Dest))
	return nil
}

// ImportColdCmd restores content from an archive written by
// ExportColdCmd. It never touches the index: a subsequent install run
// re-records (name, version) -> hash for whatever it resolves to.
type ImportColdCmd struct {
	CacheRoot string `help:"Content-addressed store directory" env:"JHOL_CACHE_ROOT"`
	Src       string `arg:"" help:"Archive path written by export-cold"`
}

func (cmd *ImportColdCmd) Run(cli *CLI) error {
	log := newCLILogger(cli.Verbose)
	cacheRoot, err := resolveCacheRoot(cmd.CacheRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}
	f, err := os.Open(cmd.Src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	imported, err := store.ImportColdStorage(context.Background(), cacheRoot, f)
	if err != nil {
		return fmt.Errorf("failed to import cold storage: %w", err)
	}
	log.Info("imported cold storage", slog.Int("count", imported), slog.String("src", cmd.Src))
	return nil
}

func newCLILogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func resolveCacheRoot(cacheRoot string) (string, error) {
	if cacheRoot != "" {
		return cacheRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".jhol-cache"), nil
}

type InstallCmd struct {
	Dir                string `help:"Project directory containing package.json" default:"."`
	Offline            bool   `help:"Never dial the registry; fail if a package isn't already cached" env:"JHOL_OFFLINE"`
	Frozen             bool   `help:"Refuse to resolve; require the lockfile to already satisfy the manifest" env:"JHOL_FROZEN"`
	NetworkConcurrency int    `help:"Download and unpack concurrency (default 16, capped at 32 and at twice the CPU count)" env:"JHOL_NETWORK_CONCURRENCY"`
	Registry           string `help:"Registry base URL" default:"https://registry.npmjs.org" env:"JHOL_REGISTRY"`
	CacheRoot          string `help:"Content-addressed store directory" env:"JHOL_CACHE_ROOT"`
	AuthSSHKey         string `help:"Path to an SSH private key used to mint a bearer token for private registries" env:"JHOL_AUTH_SSH_KEY"`
	AuthAgent          bool   `help:"Mint a bearer token from an ssh-agent or ~/.ssh key instead of a key file" env:"JHOL_AUTH_AGENT"`
	ResolverFallback   string `help:"Resolver strategy" default:"jagr" enum:"jagr,greedy" env:"JHOL_RESOLVER_FALLBACK"`
	Link               string `help:"Link strategy" default:"auto" enum:"auto,symlink,copy" env:"JHOL_LINK"`
	MetricsAddr        string `help:"Address for a /metrics Prometheus endpoint; unset disables it" env:"JHOL_METRICS_ADDR"`
}

func (cmd *InstallCmd) Run(cli *CLI) error {
	log := newCLILogger(cli.Verbose)

	cacheRoot, err := resolveCacheRoot(cmd.CacheRoot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}

	st, err := store.Open(cacheRoot, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	var cred registry.Credential
	switch {
	case cmd.AuthSSHKey != "":
		c, err := auth.NewFileCredential(cmd.AuthSSHKey)
		if err != nil {
			return fmt.Errorf("failed to load auth key: %w", err)
		}
		cred = c
	case cmd.AuthAgent:
		c, err := auth.NewAgentCredential(log)
		if err != nil {
			return fmt.Errorf("failed to mint credential from ssh-agent: %w", err)
		}
		cred = c
	}

	reg := registry.New(registry.Config{
		BaseURL:   cmd.Registry,
		CacheRoot: cacheRoot,
		Cred:      cred,
		Offline:   cmd.Offline,
		Log:       log,
		Retry:     retry.Options{},
	})

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if cmd.MetricsAddr != "" {
		go func() {
			if err := metrics.ListenAndServe(cmd.MetricsAddr); err != nil {
				log.Error("metrics server exited", slog.String("addr", cmd.MetricsAddr), slog.String("error", err.Error()))
			}
		}()
	}

	mode := install.ModeNormal
	switch {
	case cmd.Frozen:
		mode = install.ModeFrozen
	case cmd.Offline:
		mode = install.ModeOffline
	}

	pipeline := install.New(log, reg, st, selectStrategy(cmd.ResolverFallback), m, install.Options{
		Mode:               mode,
		ProjectDir:         cmd.Dir,
		CacheRoot:          cacheRoot,
		NetworkConcurrency: cmd.NetworkConcurrency,
		LinkStrategy:       linker.StrategyFromEnv(cmd.Link),
		ResolverFallback:   cmd.ResolverFallback,
	})

	if remote, err := store.RemoteMirrorFromEnv(context.Background(), log); err != nil {
		log.Warn("remote mirror disabled", slog.String("error", err.Error()))
	} else if remote != nil {
		pipeline = pipeline.WithRemoteMirror(remote)
		log.Info("remote mirror configured", slog.String("env", store.RemoteCacheEnv))
	}

	result, err := pipeline.Run(context.Background())
	encodeErr := json.NewEncoder(os.Stdout).Encode(result)
	if err != nil {
		return err
	}
	return encodeErr
}

// selectStrategy resolves JHOL_RESOLVER_FALLBACK to a resolver.Strategy:
// jagr's backtracking solver by default, or greedy's non-backtracking
// fallback when jagr is explicitly disabled.
func selectStrategy(fallback string) resolver.Strategy {
	if fallback == "greedy" {
		return greedy.New()
	}
	return jagr.New()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("jhol"),
		kong.Description("Install npm-compatible packages"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
