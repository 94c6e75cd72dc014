package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tradeescrow/internal/app"
	"tradeescrow/internal/db"
	escrowsdk "tradeescrow/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "escrowctl",
	Short: "Trade escrow CLI",
	Long: `escrowctl operates the trade escrow service.
- Payments: the project owner pays the agreed quote; funds go to escrow once the gateway confirms.
- Escrow: funds stay held until the owner releases them or the protection period ends.
- Protection: after work is completed the owner has a window to dispute before auto-release.
- Withdrawals: released funds move to the tradie's bank account, less a processing fee.
- Workspace: the directory holding escrow.db and escrow.yml ('escrowctl config init').

Money-moving commands talk to a running server ('escrowctl serve') through --api-url.
Workspace commands (config, db, apikey, token, events, sweep, project list) open the
database directly.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env is optional.
	_ = godotenv.Load()
	viper.SetEnvPrefix("ESCROW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/escrow.yml)")
	flags.Bool("json", false, "output JSON")
	flags.Bool("verbose", false, "log to stderr")
	flags.String("api-url", "http://127.0.0.1:8080/v1", "escrow API base URL")
	flags.String("token", "", "bearer token for the API")
	flags.String("api-key", "", "API key for the API")
	for _, name := range []string{"workspace", "config", "json", "verbose", "api-url", "token", "api-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(tradieCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(withdrawalCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, app.Options{
		Workspace:  workspace,
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func apiClient() *escrowsdk.Client {
	c := escrowsdk.New(viper.GetString("api-url"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFields renders v as a two-column table unless --json is set.
func printFields(v any, rows [][2]string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	for _, r := range rows {
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
	return nil
}

// printTable renders rows under header unless --json is set.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
