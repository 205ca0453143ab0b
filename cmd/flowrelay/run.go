package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/flowrelay/internal/relay"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	ChatID string
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run <text-or-url>",
		Short: "Run the workflow once for a document link and post the result card",
		Long: `Run the workflow once for the first document link found in the argument,
wait for it to finish and post the result card. The run record is printed as JSON.

Example:
  flowrelay run -c flowrelay.yaml https://acme.feishu.cn/docx/abcXYZ
  flowrelay run --chat oc_123 "please review https://acme.feishu.cn/wiki/xyz"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), opts, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "chat to notify (defaults to chat.default_chat_id)")
	return cmd
}

func runOnce(ctx context.Context, opts *runOptions, cmd *cobra.Command, input string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.rootOptions)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, "text")
	if err != nil {
		return err
	}
	if err := cfg.ValidateOutbound(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	link, ok := relay.ExtractDocURL(input)
	if !ok {
		return fmt.Errorf("no document link found in %q", input)
	}
	chatID := strings.TrimSpace(opts.ChatID)
	if chatID == "" {
		chatID = cfg.Chat.DefaultChatID
	}

	rl, _, err := buildRelay(cfg, logger, buildOptions{OneShot: true})
	if err != nil {
		return err
	}
	defer rl.Close()

	record := rl.Execute(ctx, "cli-"+uuid.NewString(), chatID, link)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		return err
	}
	if record.Status != relay.RunCompleted {
		return fmt.Errorf("workflow run %s failed: %s", record.RunID, record.Error)
	}
	return nil
}
