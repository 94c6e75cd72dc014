package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tradeescrow/internal/app"
	"tradeescrow/internal/config"
	"tradeescrow/internal/db"
	"tradeescrow/internal/domain"
	"tradeescrow/internal/migrate"
	"tradeescrow/internal/repo"
	"tradeescrow/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage escrow.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(app.Options{Workspace: viper.GetString("workspace"), ConfigPath: viper.GetString("config")})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if path := viper.GetString("config"); path != "" {
				_, err = config.FromFile(path)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default escrow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	open := func() (*sql.DB, error) {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		return db.Open(db.Config{Workspace: workspace})
	}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := open()
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printFields(st, [][2]string{
				{"Path", db.Path(viper.GetString("workspace"))},
				{"Current", strconv.Itoa(st.Current)},
				{"Latest", strconv.Itoa(st.Latest)},
				{"Pending", strings.Join(st.Pending, ", ")},
			})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := open()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Println("database up to date")
			return nil
		},
	})
	return d
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					price := ""
					if p.AgreedPrice != nil {
						price = p.AgreedPrice.StringFixed(2)
					}
					rows = append(rows, table.Row{p.ID, p.OwnerID, p.Status, price, p.Title})
				}
				return printTable(items, table.Row{"ID", "Owner", "Status", "Agreed", "Title"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&f.Status, "status", "", "project status")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, k := range items {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, fmt.Sprint(k.Roles), k.CreatedAt})
				}
				return printTable(items, table.Row{"ID", "Actor", "Name", "Roles", "Created"}, rows)
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "esk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    name,
				Roles:   roles,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, r := range roles {
					if _, ok := a.Config.RBAC.Roles[r]; !ok {
						return fmt.Errorf("unknown role %q", r)
					}
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printFields(map[string]any{"id": key.ID, "actor_id": actor, "roles": roles, "key": secret}, [][2]string{
					{"ID", key.ID},
					{"Actor", actor},
					{"Roles", fmt.Sprint(roles)},
					{"Key", secret},
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles []string
	var ttl time.Duration
	var saveEnv string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with ESCROW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, ttl)
			if err != nil {
				return err
			}
			if saveEnv != "" {
				env, err := godotenv.Read(saveEnv)
				if err != nil {
					if !errors.Is(err, os.ErrNotExist) {
						return err
					}
					env = map[string]string{}
				}
				env["ESCROW_TOKEN"] = tok
				if err := godotenv.Write(env, saveEnv); err != nil {
					return err
				}
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.Flags().StringVar(&saveEnv, "save-env", "", "also store the token as ESCROW_TOKEN in this .env file")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Read the event log"}
	var n int
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Limit = n
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{strconv.FormatInt(e.ID, 10), e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				return printTable(items, table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor"}, rows)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	tail.Flags().StringVar(&f.Type, "type", "", "event type")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	ev.AddCommand(tail)
	return ev
}

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Auto-release sweep"}
	var remote bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Release every escrow whose protection period has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				rep, err := apiClient().RunAutoRelease(cmd.Context())
				if err != nil {
					return err
				}
				return printFields(rep, [][2]string{
					{"Processed", strconv.Itoa(rep.Processed)},
					{"Released", strconv.Itoa(rep.Succeeded)},
					{"Skipped", strconv.Itoa(rep.Skipped)},
					{"Failed", strconv.Itoa(rep.Failed)},
				})
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler.Sweep(ctx)
				if err != nil {
					return err
				}
				if err := printFields(rep, [][2]string{
					{"Processed", strconv.Itoa(rep.Processed)},
					{"Released", strconv.Itoa(rep.Succeeded)},
					{"Skipped", strconv.Itoa(rep.Skipped)},
					{"Failed", strconv.Itoa(rep.Failed)},
				}); err != nil {
					return err
				}
				if rep.Failed > 0 {
					return fmt.Errorf("%d escrow(s) failed to release", rep.Failed)
				}
				return nil
			})
		},
	}
	run.Flags().BoolVar(&remote, "remote", false, "ask the API server to run the sweep")
	sw.AddCommand(run)
	return sw
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("ESCROW_JWT_SECRET is required for bearer auth")
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{Workspace: workspace, ConfigPath: viper.GetString("config"), Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Config.Gateway.WebhookSecret == "" {
				logger.Warn("gateway.webhook_secret is empty; gateway webhooks will be rejected")
			}

			handler, err := server.New(server.Config{
				Engine:         a.Engine,
				Sweeper:        a.Scheduler,
				BasePath:       basePath,
				Auth:           server.AuthConfig{JWTSecret: secret, Logger: logger.Named("auth")},
				AllowedOrigins: origins,
				Logger:         logger.Named("http"),
			})
			if err != nil {
				return err
			}
			a.RunWorkers(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving escrow API", zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	return cmd
}
