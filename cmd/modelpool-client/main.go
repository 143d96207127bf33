package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"modelpool/client"
	"modelpool/config"
	"modelpool/discovery"
	"modelpool/logging"
	"modelpool/message"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelpool-client",
	Short: "Model pool registry client",
	Long: `modelpool-client polls a set of modelpool servers for the available
model list, reporting the endpoints this client uses. It fails over between
the configured addresses and rebuilds every connection only when none answers.

Examples:
  modelpool-client --config client.json
  modelpool-client list --all`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Fetch the model list once and print it",
	RunE:  runList,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the JSON config file")
	rootCmd.PersistentFlags().StringSlice("address", nil, "Server address, repeatable; overrides the config file")
	rootCmd.PersistentFlags().StringArray("use", nil, "Declare usage as base_url=model, repeatable")
	listCmd.Flags().Bool("all", false, "List every registered model instead of only available ones")
	rootCmd.AddCommand(listCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newClient(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	c.Start(cfg.PollInterval)

	<-ctx.Done()
	log.Info("Received shutdown signal, closing client")
	return c.Close()
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, log, closeLog, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := newClient(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	var models []message.Model
	if all, _ := cmd.Flags().GetBool("all"); all {
		models, err = c.GetModelList(ctx)
	} else {
		models, err = c.GetAvailableModels(ctx)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-12s %-12s %-6s %-40s %s\n", "NAME", "TYPE", "STATUS", "USERS", "MODEL", "BASE_URL")
	for _, m := range models {
		fmt.Fprintf(out, "%-20s %-12s %-12s %-6d %-40s %s\n", m.Name, m.ModelType, m.Status, m.UsageCount, m.Model, m.BaseURL)
	}
	return nil
}

func setup(cmd *cobra.Command) (*config.ClientConfig, *logrus.Logger, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if addrs, _ := cmd.Flags().GetStringSlice("address"); len(addrs) > 0 {
		cfg.Addresses = addrs
	}
	uses, _ := cmd.Flags().GetStringArray("use")
	for _, u := range uses {
		baseURL, model, ok := strings.Cut(u, "=")
		if !ok || baseURL == "" || model == "" {
			return nil, nil, nil, fmt.Errorf("invalid --use %q, want base_url=model", u)
		}
		cfg.Usages = append(cfg.Usages, config.UsageConfig{BaseURL: baseURL, Model: model})
	}

	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, closeLog, nil
}

func newClient(ctx context.Context, cmd *cobra.Command, cfg *config.ClientConfig, log *logrus.Logger) (*client.Client, error) {
	codecType, err := cfg.CodecType()
	if err != nil {
		return nil, err
	}

	addrs := cfg.Addresses
	if explicit, _ := cmd.Flags().GetStringSlice("address"); len(explicit) == 0 && cfg.Etcd.Enabled() {
		addrs = resolveAddresses(ctx, cfg, log)
	}

	c, err := client.New(addrs, client.WithCodec(codecType), client.WithLogger(log))
	if err != nil {
		return nil, err
	}
	for _, u := range cfg.Usages {
		c.AddModelUsage(u.BaseURL, u.Model)
	}
	return c, nil
}

// resolveAddresses asks etcd for registered servers once at startup.
func resolveAddresses(ctx context.Context, cfg *config.ClientConfig, log logrus.FieldLogger) []string {
	reg, err := discovery.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to etcd, using configured addresses")
		return cfg.Addresses
	}
	defer reg.Close()

	dctx, cancel := context.WithTimeout(ctx, cfg.Etcd.DialTimeout)
	defer cancel()
	return client.ResolveAddresses(dctx, reg, cfg.Addresses, log)
}
