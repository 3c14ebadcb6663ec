package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assignline/internal/bot"
	"assignline/internal/config"
	"assignline/internal/db"
	"assignline/internal/domain"
	"assignline/internal/engine"
	"assignline/internal/gateway"
	"assignline/internal/migrate"
	"assignline/internal/platform"
	"assignline/internal/repo"
	"assignline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "asl",
	Short: "Assignline CLI",
	Long: `Assignline runs an assignment-for-hire desk on top of a chat workspace.
Students upload assignments from the designated upload channel; each submission
gets its own private channel shared with the administrators. From there the
assignment moves through review, payment, delivery, and revisions, with every
step recorded in the event log. 'asl serve' runs the chat bot, the deadline
sweeper, and the read-only HTTP API together.`,
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
	viper.SetEnvPrefix("ASSIGNLINE")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noBot bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the deadline sweeper, and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			p := platform.NewSlack(cfg.Slack.BotToken)
			eng := engine.New(conn, cfg, p, buildGateway(cfg))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sweeper := engine.NewSweeper(eng)
			go sweeper.Run(ctx)
			server.StartWebhookDispatcher(ctx, eng)

			errCh := make(chan error, 2)
			if !noBot && cfg.Slack.AppToken != "" {
				b, err := bot.New(cfg, eng, p)
				if err != nil {
					return err
				}
				go func() { errCh <- b.Run(ctx) }()
			} else {
				fmt.Println("bot disabled; serving API only")
			}

			if addr == "" {
				addr = cfg.APIListen()
			}
			if basePath == "" {
				basePath = cfg.API.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   eng,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.API.JWTSecret,
					AllowLegacyActorHeader: cfg.API.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			go func() {
				fmt.Printf("Serving Assignline API on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr)
				errCh <- srv.ListenAndServe()
			}()

			err = <-errCh
			cancel()
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noBot, "no-bot", false, "serve the API without the chat bot")
	return cmd
}

func buildGateway(cfg *config.Config) gateway.Gateway {
	var providers []gateway.Gateway
	if cfg.Gateway.PayPal.BusinessEmail != "" {
		providers = append(providers, gateway.PayPal{
			BusinessEmail: cfg.Gateway.PayPal.BusinessEmail,
			NotifyURL:     cfg.Gateway.PayPal.NotifyURL,
			ReturnURL:     cfg.Gateway.PayPal.ReturnURL,
			CancelURL:     cfg.Gateway.PayPal.CancelURL,
		})
	}
	if cfg.Gateway.Stripe.APIKey != "" {
		providers = append(providers, gateway.NewStripe(
			cfg.Gateway.Stripe.APIKey,
			cfg.Gateway.Stripe.SuccessURL,
			cfg.Gateway.Stripe.CancelURL,
		))
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return gateway.Multi{Providers: providers}
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assignment",
		Short: "Inspect assignments",
	}
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentShowCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	var status, owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAssignments(ctx, repo.AssignmentFilters{
					Status:  domain.Status(status),
					OwnerID: owner,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Status", "Deadline", "Created"})
				for _, a := range items {
					deadline := ""
					if a.Deadline != nil {
						deadline = *a.Deadline
					}
					tw.AppendRow(table.Row{a.ID, a.OwnerID, a.Status, deadline, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assignment with its revision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				revisions, err := r.ListRevisions(ctx, a.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"assignment": a,
					"revisions":  revisions,
				})
			})
		},
	}
	return cmd
}

func paymentCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "payment",
		Short: "Inspect payment sessions",
	}
	p.AddCommand(paymentStatusCmd())
	return p
}

func paymentStatusCmd() *cobra.Command {
	var payer string
	cmd := &cobra.Command{
		Use:   "status <assignment-id>",
		Short: "Show payment sessions for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var sessions []domain.PaymentSession
				if payer != "" {
					s, err := r.GetPaymentSession(ctx, args[0], payer)
					if err != nil {
						return err
					}
					sessions = []domain.PaymentSession{s}
				} else {
					var err error
					sessions, err = r.ListPaymentSessions(ctx, args[0])
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Payer", "Amount", "Paid", "Created"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.AssignmentID, s.PayerID, s.Amount.StringFixed(2), s.Paid, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&payer, "payer", "", "payer id")
	return cmd
}

func reviewCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "review",
		Short: "Inspect reviews",
	}
	r.AddCommand(reviewListCmd())
	return r
}

func reviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <assignment-id>",
		Short: "List reviews for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListReviews(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Author", "Rating", "Comment", "Created"})
				for _, rv := range items {
					tw.AppendRow(table.Row{rv.ID, rv.AuthorID, rv.Rating, rv.Comment, rv.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Inspect disputes",
	}
	d.AddCommand(disputeListCmd())
	return d
}

func disputeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <assignment-id>",
		Short: "List disputes for an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDisputes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, assignmentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, assignmentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Assignment", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.AssignmentID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default assignline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			secret := "asl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:        uuid.NewString()[:8],
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (save it now, it is not stored): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

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
