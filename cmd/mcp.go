package cmd

import (
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Configure it in your assistant with:

  {
    "mcpServers": {
      "ballot": { "command": "ballot", "args": ["mcp"] }
    }
  }

Available tools: create_voting_worktrees, list_sessions, get_worktree_info,
mark_implementation_complete, evaluate_implementations, present_top_candidates,
finalize_best, auto_select_best, cleanup_session, create_adhoc_worktree,
create_orchestrated_worktrees, combine_subtasks.

Sessions live in this process only; they are forgotten when it exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		logger.Info("mcp server starting", zap.String("version", buildVersion), zap.String("workspace", d.registry.Config().WorkspaceRoot))
		return mcp.NewServer(d.registry, logger, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
