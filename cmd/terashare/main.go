// Command terashare is a manual-exercise harness for the extraction core:
// given a share URL, it wires the transport, session manager, API client,
// and pipeline together and prints the resolved MediaInfo. It is not a
// chat bot — the chat-platform front-end is an external collaborator this
// repo does not implement.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faraway-systems/terashare/internal/apiclient"
	"github.com/faraway-systems/terashare/internal/config"
	"github.com/faraway-systems/terashare/internal/pipeline"
	"github.com/faraway-systems/terashare/internal/session"
	"github.com/faraway-systems/terashare/internal/transport"
)

func bindFlag(f *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, f.Flags().Lookup(flag)); err != nil {
		log.Fatalf("bind flag %s: %v", flag, err)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "terashare <url>",
		Short: "Resolve a share URL to a playable media URL",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("request-timeout", 30, "per-request timeout in seconds")
	f.Int("max-retries", 3, "transport retry attempts")
	f.Int("cookie-refresh-interval", 3600, "session TTL in seconds")
	f.String("log-level", "INFO", "log level")
	f.Bool("insecure-skip-verify", true, "disable TLS chain verification")

	bindFlag(rootCmd, "request_timeout", "request-timeout")
	bindFlag(rootCmd, "max_retries", "max-retries")
	bindFlag(rootCmd, "cookie_refresh_interval", "cookie-refresh-interval")
	bindFlag(rootCmd, "log_level", "log-level")
	bindFlag(rootCmd, "insecure_skip_verify", "insecure-skip-verify")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log.SetPrefix("terashare: ")

	httpClient, err := transport.New(transport.Config{
		RequestTimeout:     cfg.RequestTimeout,
		MaxRetries:         cfg.MaxRetries,
		InsecureSkipVerify: viper.GetBool("insecure_skip_verify"),
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer httpClient.Close()

	sessions := session.New(httpClient, cfg.CookieRefreshInterval)
	client := apiclient.New(httpClient, sessions)
	p := pipeline.New(client)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout*4)
	defer cancel()

	info, err := p.Extract(ctx, args[0])
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
