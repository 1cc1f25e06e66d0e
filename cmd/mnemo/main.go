// Command mnemo is the operator surface for a mnemo store: one
// subcommand per engine operation, opening the store and engine
// directly in-process for the lifetime of a single invocation. There is
// no required long-running server — `serve-mcp` is the one subcommand
// that blocks, exposing the same engine over MCP to a coding-agent host.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/embeddings"
	"github.com/mnemo-db/mnemo/pkg/engine"
	"github.com/mnemo-db/mnemo/pkg/store"
)

// engineError wraps a failure that originated inside the engine or store,
// as opposed to a malformed invocation — the distinction main() uses to
// choose between exit code 1 and exit code 2.
type engineError struct{ err error }

func (e *engineError) Error() string { return e.err.Error() }
func (e *engineError) Unwrap() error { return e.err }

func wrapEngine(err error) error {
	if err == nil {
		return nil
	}
	return &engineError{err}
}

// exitCode classifies an error returned from a subcommand. Validation
// failures on user-supplied content are argument errors even though they
// surface through an engine call; everything wrapped as an engineError is
// a runtime failure; anything left over (cobra's own usage/flag errors,
// or a handler's own fmt.Errorf) is an argument error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, core.ErrInvalidContent),
		errors.Is(err, core.ErrContentTooLarge),
		errors.Is(err, core.ErrInvalidNeuronType),
		errors.Is(err, core.ErrInvalidQuery),
		errors.Is(err, core.ErrSelfLink):
		return 2
	}
	var ee *engineError
	if errors.As(err, &ee) {
		return 1
	}
	return 2
}

// rawFlags holds every persistent flag's bound variable. pflag always
// returns a non-nil pointer regardless of whether the flag was set, so
// these can never be used as core.CLIOverrides directly — overridesFrom
// below does that translation, consulting flags.Changed for each one.
type rawFlags struct {
	configPath     *string
	storePath      *string
	windowSize     *int
	tokenBudget    *int
	recallLimit    *int
	confidenceGate *float64
	myelinatedGate *float64
}

func bindRootFlags(f *pflag.FlagSet) *rawFlags {
	return &rawFlags{
		configPath:     f.StringP("config", "f", "", "Path to YAML settings file (overrides MNEMO_CONFIG env)"),
		storePath:      f.String("store", "", "Path to the SQLite store (overrides MNEMO_STORE_PATH env)"),
		windowSize:     f.Int("window-size", 0, "Sequential window size"),
		tokenBudget:    f.Int("token-budget", 0, "Default recall token budget"),
		recallLimit:    f.Int("recall-limit", 0, "Default recall result limit"),
		confidenceGate: f.Float64("confidence-gate", 0, "Minimum confidence for an ordinary recall admission"),
		myelinatedGate: f.Float64("myelinated-gate", 0, "Minimum confidence for a myelinated-fallback admission"),
	}
}

// overridesFrom builds a core.CLIOverrides containing only the flags the
// caller actually set on the command line, mirroring the teacher's
// applyExplicitFlags split between "flag variables" and "override intent".
func overridesFrom(flags *pflag.FlagSet, raw *rawFlags) *core.CLIOverrides {
	o := &core.CLIOverrides{}
	if flags.Changed("config") {
		o.ConfigPath = raw.configPath
	}
	if flags.Changed("store") {
		o.StorePath = raw.storePath
	}
	if flags.Changed("window-size") {
		o.WindowSize = raw.windowSize
	}
	if flags.Changed("token-budget") {
		o.TokenBudget = raw.tokenBudget
	}
	if flags.Changed("recall-limit") {
		o.RecallLimit = raw.recallLimit
	}
	if flags.Changed("confidence-gate") {
		o.ConfidenceGate = raw.confidenceGate
	}
	if flags.Changed("myelinated-gate") {
		o.MyelinatedGate = raw.myelinatedGate
	}
	return o
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "mnemo",
		Short:         "mnemo - associative memory for AI coding agents",
		Long:          "A persistent Hebbian memory graph that records what an agent touches, recalls what's relevant to a new task, and decays what stopped mattering.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	raw := bindRootFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(buildCommands(raw)...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func resolveSettings(cmd *cobra.Command, raw *rawFlags) (*core.Settings, error) {
	configPath := ""
	if raw.configPath != nil {
		configPath = *raw.configPath
	}
	if configPath == "" {
		configPath = os.Getenv("MNEMO_CONFIG")
	}
	settings, err := core.LoadSettings(configPath)
	if err != nil {
		return nil, wrapEngine(fmt.Errorf("loading settings: %w", err))
	}
	settings.ApplyCLIOverrides(overridesFrom(cmd.Flags(), raw))
	return settings, nil
}

// buildEmbedder returns a native provider when a shared library is
// configured, otherwise the no-op provider — recall then falls back to
// keyword-only matching, exactly as it would for a library that fails to
// load.
func buildEmbedder(settings *core.Settings) embeddings.Provider {
	if settings.Embeddings.LibraryPath == "" {
		return embeddings.NewNoopProvider(settings.Embeddings.Dimension)
	}
	return embeddings.NewNativeProvider(settings.Embeddings.LibraryPath, "", settings.Embeddings.EmbedContextSize)
}

// withEngine resolves settings, opens the store and engine, runs fn, and
// always closes the engine afterward, propagating fn's error.
func withEngine(cmd *cobra.Command, raw *rawFlags, fn func(ctx context.Context, eng *engine.Engine) error) error {
	settings, err := resolveSettings(cmd, raw)
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	st, err := store.Open(settings.Store.Path, settings.Store.BusyTimeout)
	if err != nil {
		return wrapEngine(fmt.Errorf("opening store %s: %w", settings.Store.Path, err))
	}
	eng, err := engine.New(context.Background(), st, settings, buildEmbedder(settings))
	if err != nil {
		st.Close()
		return wrapEngine(fmt.Errorf("starting engine: %w", err))
	}
	defer eng.Close(context.Background())

	return fn(context.Background(), eng)
}

// withStore is the read-only counterpart of withEngine, for verbs that
// only need direct store queries (listing, stats) and would otherwise pay
// for an engine's session bookkeeping for no reason.
func withStore(cmd *cobra.Command, raw *rawFlags, fn func(ctx context.Context, st *store.Store) error) error {
	settings, err := resolveSettings(cmd, raw)
	if err != nil {
		return err
	}

	st, err := store.Open(settings.Store.Path, settings.Store.BusyTimeout)
	if err != nil {
		return wrapEngine(fmt.Errorf("opening store %s: %w", settings.Store.Path, err))
	}
	defer st.Close()
	return fn(context.Background(), st)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return wrapEngine(fmt.Errorf("marshaling result: %w", err))
	}
	fmt.Println(string(out))
	return nil
}
