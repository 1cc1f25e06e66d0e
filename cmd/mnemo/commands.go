package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnemo-db/mnemo/pkg/core"
	"github.com/mnemo-db/mnemo/pkg/engine"
	"github.com/mnemo-db/mnemo/pkg/mcpserver"
	"github.com/mnemo-db/mnemo/pkg/scheduler"
	"github.com/mnemo-db/mnemo/pkg/store"
)

// buildCommands returns one *cobra.Command per operator-surface verb,
// each resolving settings from raw at invocation time so persistent
// flags set anywhere on the command line are honored regardless of
// which subcommand they're attached to.
func buildCommands(raw *rawFlags) []*cobra.Command {
	return []*cobra.Command{
		recordCmd(raw),
		errorCmd(raw),
		resolveCmd(raw),
		recallCmd(raw),
		recallEpisodicCmd(raw),
		statsCmd(raw),
		tokensCmd(raw),
		neuronsCmd(raw),
		synapsesCmd(raw),
		highwaysCmd(raw),
		decayCmd(raw),
		homeostasisCmd(raw),
		consolidateCmd(raw),
		predictCmd(raw),
		chainCmd(raw),
		hubsCmd(raw),
		staleCmd(raw),
		projectsCmd(raw),
		tagProjectCmd(raw),
		intentCmd(raw),
		sessionsCmd(raw),
		streaksCmd(raw),
		bootstrapCmd(raw),
		embedCmd(raw),
		extractSnippetsCmd(raw),
		doctorCmd(raw),
		serveMCPCmd(raw),
	}
}

func recordCmd(raw *rawFlags) *cobra.Command {
	var typ, query string
	cmd := &cobra.Command{
		Use:   "record <path>",
		Short: "Record that a file, tool call, or error was touched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.Record(ctx, args[0], core.NeuronType(typ), query, time.Now())
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(n)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(core.NeuronFile), "Neuron type: file, tool, error, semantic")
	cmd.Flags().StringVar(&query, "query", "", "The query or task description in effect, if any")
	return cmd
}

func errorCmd(raw *rawFlags) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "error <raw-error-text>",
		Short: "Record an error, canonicalize it, and surface candidate fixes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				n, fixes, err := eng.RecordError(ctx, args[0], query, time.Now())
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"neuron": n, "candidateFixes": fixes})
			})
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "The query or task description in effect, if any")
	return cmd
}

func resolveCmd(raw *rawFlags) *cobra.Command {
	var fixContext string
	cmd := &cobra.Command{
		Use:   "resolve <raw-error-text> <fix-path> [fix-path...]",
		Short: "Wire an error to the file paths that fixed it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.ResolveError(ctx, args[0], args[1:], fixContext); err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"resolved": true})
			})
		},
	}
	cmd.Flags().StringVar(&fixContext, "context", "", "Context string to attach to the fix paths")
	return cmd
}

func recallCmd(raw *rawFlags) *cobra.Command {
	var limit, tokenBudget int
	var typ string
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall files, tools, or errors related to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				results, err := eng.Recall(ctx, args[0], tokenBudget, limit, core.NeuronType(typ))
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 uses the configured default)")
	cmd.Flags().IntVar(&tokenBudget, "tokens", 0, "Token budget (0 uses the configured default)")
	cmd.Flags().StringVar(&typ, "type", "", "Restrict to one neuron type")
	return cmd
}

func recallEpisodicCmd(raw *rawFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recall-episodic <query>",
		Short: "Recall purely from session history, skipping graph structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				results, err := eng.RecallEpisodic(ctx, args[0], limit)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(results)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 uses the configured default)")
	return cmd
}

func statsCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show network-wide neuron, synapse, and session counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				stats, err := st.GetStats(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(stats)
			})
		},
	}
}

func tokensCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "Show the token economy: used and saved, overall and per session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				sessions, err := st.AllSessions(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				var used, saved int64
				for _, s := range sessions {
					used += s.TokensUsed
					saved += s.TokensSaved
				}
				return printJSON(map[string]any{
					"totalTokensUsed":  used,
					"totalTokensSaved": saved,
					"sessions":         sessions,
				})
			})
		},
	}
}

func neuronsCmd(raw *rawFlags) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "neurons",
		Short: "List neurons, optionally filtered by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				if typ != "" {
					rows, err := st.ListNeuronsByType(ctx, core.NeuronType(typ))
					if err != nil {
						return wrapEngine(err)
					}
					return printJSON(rows)
				}
				rows, err := st.AllNeurons(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(rows)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Restrict to one neuron type")
	return cmd
}

func synapsesCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "synapses",
		Short: "List every synapse in the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				rows, err := st.AllSynapses(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(rows)
			})
		},
	}
}

func highwaysCmd(raw *rawFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "highways",
		Short: "List superhighway neurons (myelination above 0.5), most myelinated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				rows, err := st.AllNeurons(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				var highways []*store.NeuronRow
				for _, n := range rows {
					if n.Myelination > 0.5 {
						highways = append(highways, n)
					}
				}
				for i := 1; i < len(highways); i++ {
					for j := i; j > 0 && highways[j].Myelination > highways[j-1].Myelination; j-- {
						highways[j], highways[j-1] = highways[j-1], highways[j]
					}
				}
				if limit > 0 && len(highways) > limit {
					highways = highways[:limit]
				}
				return printJSON(highways)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 for all)")
	return cmd
}

func decayCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run the maintenance pass: decay, pruning, and homeostasis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.Decay(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(report)
			})
		},
	}
}

func homeostasisCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "homeostasis",
		Short: "Run the maintenance pass and report only its homeostasis outcome",
		Long:  "Homeostasis is applied as one step of every decay pass, not as a standalone operation — this triggers that same pass and reports whether homeostasis ran.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.Decay(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"homeostasisApplied": report.HomeostasisApplied, "tagsExpired": report.TagsExpired})
			})
		},
	}
}

func consolidateCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run the offline consolidation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.Consolidate(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(report)
			})
		},
	}
}

func predictCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "predict",
		Short: "Predict the next tools and files likely to follow the last tool call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				tools, files, err := eng.PredictNext(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"tools": tools, "files": files})
			})
		},
	}
}

func chainCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Show the current sequential window and tool-call chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				return printJSON(map[string]any{"window": eng.Window(), "toolChain": eng.ToolChain()})
			})
		},
	}
}

func hubsCmd(raw *rawFlags) *cobra.Command {
	var typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "hubs",
		Short: "List the most-connected neurons of a type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				hubs, err := eng.Hubs(ctx, core.NeuronType(typ), limit)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(hubs)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(core.NeuronFile), "Neuron type to rank")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 uses the configured default)")
	return cmd
}

func staleCmd(raw *rawFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Preview neurons that have lost the most myelination to inactivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				stale, err := eng.Stale(ctx, limit)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(stale)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (0 for all)")
	return cmd
}

func projectsCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "projects <project>",
		Short: "List neurons tagged with a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				neurons, err := eng.ProjectNeurons(ctx, args[0])
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(neurons)
			})
		},
	}
}

func tagProjectCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tag-project <path-prefix> <project>",
		Short: "Tag every file neuron under path-prefix with a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				count, err := eng.TagProject(ctx, args[0], args[1])
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"neuronsTagged": count})
			})
		},
	}
}

func intentCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "intent <statement>",
		Short: "Record a free-text statement of the current session's goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.SetIntent(ctx, args[0]); err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"intentSet": true})
			})
		},
	}
}

func sessionsCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List every recorded session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				rows, err := st.AllSessions(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(rows)
			})
		},
	}
}

func streaksCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "streaks",
		Short: "List neurons currently under an anti-recall ignore streak",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				rows, err := st.AllNeurons(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				var streaking []*store.NeuronRow
				for _, n := range rows {
					if n.IgnoreStreak > 0 {
						streaking = append(streaking, n)
					}
				}
				return printJSON(streaking)
			})
		},
	}
}

// bootstrapEntry is one element of a bootstrap file's JSON array: either a
// neuron seed (Path set, PathB empty) or a synapse seed (PathB set).
type bootstrapEntry struct {
	Path          string          `json:"path"`
	Type          core.NeuronType `json:"type"`
	FirstContext  string          `json:"firstContext,omitempty"`
	PathB         string          `json:"pathB,omitempty"`
	TypeB         core.NeuronType `json:"typeB,omitempty"`
	Weight        float64         `json:"weight,omitempty"`
	CoAccessCount int             `json:"coAccessCount,omitempty"`
}

func bootstrapCmd(raw *rawFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap <entries.json>",
		Short: "Bulk-seed neurons and synapses from a JSON array of bootstrap entries",
		Long:  "Each array entry with no pathB seeds a neuron; each entry with pathB seeds a bidirectional synapse between path and pathB. Neither touches the sequential window or applies Hebbian growth.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBootstrapFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				var neuronsSeeded, synapsesSeeded int
				for _, entry := range entries {
					if entry.PathB == "" {
						if _, err := eng.SeedNeuron(ctx, entry.Path, entry.Type, entry.FirstContext); err != nil {
							return wrapEngine(fmt.Errorf("seeding neuron %s: %w", entry.Path, err))
						}
						neuronsSeeded++
						continue
					}
					if err := eng.SeedSynapse(ctx, entry.Path, entry.PathB, entry.Type, entry.TypeB, entry.Weight, entry.CoAccessCount); err != nil {
						return wrapEngine(fmt.Errorf("seeding synapse %s<->%s: %w", entry.Path, entry.PathB, err))
					}
					synapsesSeeded++
				}
				return printJSON(map[string]any{"neuronsSeeded": neuronsSeeded, "synapsesSeeded": synapsesSeeded})
			})
		},
	}
	return cmd
}

func embedCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "embed",
		Short: "Compute embeddings for every neuron that doesn't yet have one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.EmbedPending(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"neuronsEmbedded": n})
			})
		},
	}
}

func extractSnippetsCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "extract-snippets <path>",
		Short: "Drop a file neuron's stored code snippets so the next extraction pass starts clean",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.MaybeReextractSnippets(ctx, args[0]); err != nil {
					return wrapEngine(err)
				}
				return printJSON(map[string]any{"reextracted": true})
			})
		},
	}
}

func doctorCmd(raw *rawFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run SQLite's integrity check against the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, raw, func(ctx context.Context, st *store.Store) error {
				report, err := st.CheckIntegrity(ctx)
				if err != nil {
					return wrapEngine(err)
				}
				if !report.OK {
					return wrapEngine(fmt.Errorf("store integrity check failed: %v", report.Messages))
				}
				return printJSON(report)
			})
		},
	}
}

func serveMCPCmd(raw *rawFlags) *cobra.Command {
	var addr, apiKey string
	var stateless bool
	var rps float64
	var burst int
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve-mcp",
		Short: "Expose record/recall/predict_next as MCP tools over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, raw, func(ctx context.Context, eng *engine.Engine) error {
				handler, err := mcpserver.NewHandler(mcpserver.Config{
					APIKey:         apiKey,
					Stateless:      stateless,
					RateLimitRPS:   rps,
					RateLimitBurst: burst,
				}, eng)
				if err != nil {
					return wrapEngine(err)
				}

				var sched *scheduler.Manager
				if !noSchedule {
					sched = scheduler.New(eng, scheduler.DefaultIntervals())
					sched.Start()
					defer sched.Stop()
				}

				fmt.Printf("mnemo MCP server listening on %s\n", addr)
				if err := httpListenAndServe(addr, handler); err != nil {
					return wrapEngine(err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8765", "HTTP listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this API key on every request (X-API-Key or Bearer)")
	cmd.Flags().BoolVar(&stateless, "stateless", true, "Run the MCP transport statelessly")
	cmd.Flags().Float64Var(&rps, "rate-limit-rps", 0, "Per-client requests/second (0 disables rate limiting)")
	cmd.Flags().IntVar(&burst, "rate-limit-burst", 0, "Per-client burst size")
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Disable the background decay/consolidate scheduler")
	return cmd
}
