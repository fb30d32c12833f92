package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
	"stagegate/internal/signer"
	"stagegate/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate escrows funds for a beneficiary and releases them in fixed
percentage stages, each stage gated on verified proof of use. Funds sit in
on-chain custody managed by the transaction signer; evidence is judged by the
verification oracle. The stage schedule and collaborator endpoints live in
stagegate.yml ('sg config init' writes a starter file).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(proofCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter stagegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func streamCmd() *cobra.Command {
	s := &cobra.Command{Use: "stream", Short: "Manage streams"}
	s.AddCommand(streamStartCmd())
	s.AddCommand(streamListCmd())
	s.AddCommand(streamStatusCmd())
	s.AddCommand(streamPauseCmd())
	s.AddCommand(streamResumeCmd())
	s.AddCommand(streamCancelCmd())
	s.AddCommand(streamOnchainCmd())
	s.AddCommand(streamDeleteCmd())
	return s
}

func streamStartCmd() *cobra.Command {
	var beneficiary string
	var amount float64
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a stream (locks funds, releases the first stage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CreateStream(ctx, beneficiary, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"stream":         res.Stream,
					"initialRelease": res.InitialRelease,
				})
			})
		},
	}
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "recipient wallet address")
	cmd.Flags().Float64Var(&amount, "amount", 0, "total amount in SOL")
	_ = cmd.MarkFlagRequired("beneficiary")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func streamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				streams, err := e.ListStreams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(streams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Beneficiary", "Status", "Stage", "Total SOL", "Released SOL"})
				for _, s := range streams {
					tw.AppendRow(table.Row{s.ID, s.Beneficiary, s.Status, s.CurrentStage, s.TotalSOL, s.ReleasedSOL})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func streamStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <stream-id>",
		Short: "Show a stream with its stage schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.StreamStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				s := doc.Stream
				fmt.Printf("%s  beneficiary=%s status=%s stage=%d released=%g/%g SOL (%d%%)\n",
					s.ID, s.Beneficiary, s.Status, s.CurrentStage, s.ReleasedSOL, s.TotalSOL, doc.ReleasedPct)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Pct", "Amount SOL", "Status", "Released At", "Tx"})
				for _, st := range doc.Stages {
					releasedAt, tx := "", ""
					if st.ReleasedAt != nil {
						releasedAt = *st.ReleasedAt
					}
					if st.TxSignature != nil {
						tx = *st.TxSignature
					}
					tw.AppendRow(table.Row{st.Index, st.Percentage, st.AmountSOL, st.Status, releasedAt, tx})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func streamPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <stream-id>",
		Short: "Pause a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.PauseStream(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func streamResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <stream-id>",
		Short: "Resume a paused stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.ResumeStream(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func streamCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <stream-id>",
		Short: "Cancel a stream (stops all future releases)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CancelStream(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"stream": res.Stream, "txSignature": res.TxSignature}
				if res.ChainError != "" {
					out["chainError"] = res.ChainError
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func streamOnchainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onchain <stream-id>",
		Short: "Show the signer's view of the escrow account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				info, err := e.OnChain(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(info)
			})
		},
	}
}

func streamDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <stream-id>",
		Short: "Delete a stream and its stages, proofs, and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to delete without --force")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteStream(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}

func proofCmd() *cobra.Command {
	p := &cobra.Command{Use: "proof", Short: "Submit and inspect proofs"}
	p.AddCommand(proofSubmitCmd())
	p.AddCommand(proofListCmd())
	return p
}

func proofSubmitCmd() *cobra.Command {
	var streamID, fileURL string
	var stage int
	var categories []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit evidence for the stage currently due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.SubmitProof(ctx, streamID, stage, fileURL, categories)
				if err != nil {
					return err
				}
				out := map[string]any{"proof": res.Proof, "verdict": res.Verdict}
				if res.Released != nil {
					out["released"] = res.Released
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().IntVar(&stage, "stage", 0, "stage index the evidence is for")
	cmd.Flags().StringVar(&fileURL, "file", "", "evidence URL")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "expected category (repeatable)")
	_ = cmd.MarkFlagRequired("stream")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func proofListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <stream-id>",
		Short: "List proofs for a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				proofs, err := e.ListProofs(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proofs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Status", "Confidence", "Submitted"})
				for _, p := range proofs {
					conf := ""
					if p.Confidence != nil {
						conf = fmt.Sprintf("%.2f", *p.Confidence)
					}
					tw.AppendRow(table.Row{p.ID, p.StageIndex, p.Status, conf, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event ledger"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, streamID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, streamID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := newEngine(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults from config)")
	return cmd
}

// --- helpers ---

func newEngine(conn *sql.DB, cfg *config.Config) *engine.Engine {
	return &engine.Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Config:   cfg,
		Signer:   signer.New(cfg.Signer.URL, cfg.SignerTimeout()),
		Verifier: verify.New(cfg.Verifier.URL, cfg.VerifierTimeout()),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, newEngine(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
