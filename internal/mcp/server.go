package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/sessions"
)

// Server exposes a session registry as MCP tools.
type Server struct {
	svc     sessions.Service
	log     *zap.Logger
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(svc sessions.Service, log *zap.Logger, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{svc: svc, log: log, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("ballot", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.createVotingTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.worktreeInfoTool())
	srv.AddTool(s.markCompleteTool())
	srv.AddTool(s.evaluateTool())
	srv.AddTool(s.topCandidatesTool())
	srv.AddTool(s.finalizeTool())
	srv.AddTool(s.autoSelectTool())
	srv.AddTool(s.cleanupTool())
	srv.AddTool(s.createAdhocTool())
	srv.AddTool(s.createOrchestratedTool())
	srv.AddTool(s.combineTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve runs the stdio protocol over the given streams.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	stdioServer.SetErrorLogger(zap.NewStdLog(s.log.Named("mcp")))
	return stdioServer.Listen(ctx, in, out)
}

// ---------------------------------------------------------------------------
// Result envelope
// ---------------------------------------------------------------------------

// envelope is the JSON shape of every tool result.
type envelope struct {
	Status    sessions.Outcome `json:"status"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Details   map[string]any   `json:"details,omitempty"`
	Result    any              `json:"result,omitempty"`
	NextSteps []string         `json:"next_steps,omitempty"`
}

func jsonResult(env envelope) *mcp.CallToolResult {
	data, err := json.Marshal(env)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	if env.Error != "" {
		return mcp.NewToolResultError(string(data))
	}
	return mcp.NewToolResultText(string(data))
}

func okResult(result any, next ...string) *mcp.CallToolResult {
	return jsonResult(envelope{Status: sessions.OutcomeOK, Result: result, NextSteps: next})
}

// errorResult reports err with its class and any structured detail the
// typed session errors carry.
func (s *Server) errorResult(tool string, err error) *mcp.CallToolResult {
	env := envelope{Status: sessions.OutcomeOf(err), Error: err.Error()}

	var (
		incomplete *sessions.IncompleteError
		conflict   *sessions.MergeConflictError
		provision  *sessions.ProvisioningError
		ambiguous  *sessions.AmbiguousRepoError
	)
	switch {
	case errors.As(err, &incomplete):
		env.Details = map[string]any{"pending": incomplete.Pending}
		env.NextSteps = []string{"Wait for the pending variants, mark them complete, or retry with force=true"}
	case errors.As(err, &conflict):
		env.Details = map[string]any{"variant_id": conflict.VariantID, "branch": conflict.Branch, "output": conflict.Output}
		env.NextSteps = []string{"Resolve the conflict in the base repository, then retry"}
	case errors.As(err, &provision):
		env.Details = map[string]any{"variant_id": provision.VariantID, "created": provision.Created}
	case errors.As(err, &ambiguous):
		env.Details = map[string]any{"candidates": ambiguous.Candidates}
		env.NextSteps = []string{"Pass target_repo to choose a repository"}
	}

	if env.Status == sessions.OutcomeError || env.Status == sessions.OutcomeExternalTool {
		s.log.Error("tool failed", zap.String("tool", tool), zap.Error(err))
	} else {
		s.log.Debug("tool refused", zap.String("tool", tool), zap.String("status", string(env.Status)), zap.Error(err))
	}
	return jsonResult(env)
}

func missing(param string) *mcp.CallToolResult {
	return jsonResult(envelope{
		Status: sessions.OutcomeInvalidArgument,
		Error:  "missing required parameter: " + param,
	})
}

// ---------------------------------------------------------------------------
// Session creation
// ---------------------------------------------------------------------------

// create_voting_worktrees
func (s *Server) createVotingTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("create_voting_worktrees",
		mcp.WithDescription("Create a voting session: one git worktree and branch per variant, each with TASK_INSTRUCTIONS.md and a launched agent. Returns the session id and per-variant paths."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The task every variant implements")),
		mcp.WithNumber("num_variants", mcp.Description("Number of variants (default from config, usually 5)")),
		mcp.WithString("target_repo", mcp.Description("Repository directory under the workspace; required when the workspace holds several")),
	)
	return tool, s.handleCreateVoting
}

func (s *Server) handleCreateVoting(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return missing("task"), nil
	}
	res, err := s.svc.CreateSession(ctx, sessions.CreateRequest{
		Task:       task,
		Variants:   request.GetInt("num_variants", 0),
		TargetRepo: request.GetString("target_repo", ""),
	})
	if err != nil {
		return s.errorResult("create_voting_worktrees", err), nil
	}
	return okResult(res,
		"Each variant works in its own terminal; the monitor watches execution.log for completion",
		fmt.Sprintf("Call evaluate_implementations('%s') to rank completed variants", res.SessionID),
		fmt.Sprintf("Call finalize_best('%s', '<variant_id>') or auto_select_best('%s') to pick a winner", res.SessionID, res.SessionID),
	), nil
}

// create_adhoc_worktree
func (s *Server) createAdhocTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("create_adhoc_worktree",
		mcp.WithDescription("Create a single worktree for a one-off task, branched from the freshly fetched remote main (or HEAD when the fetch fails)."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The task to work on")),
		mcp.WithString("target_repo", mcp.Description("Repository directory under the workspace")),
	)
	return tool, s.handleCreateAdhoc
}

func (s *Server) handleCreateAdhoc(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return missing("task"), nil
	}
	res, err := s.svc.CreateAdhoc(ctx, sessions.AdhocRequest{Task: task, TargetRepo: request.GetString("target_repo", "")})
	if err != nil {
		return s.errorResult("create_adhoc_worktree", err), nil
	}
	return okResult(res, fmt.Sprintf("Call cleanup_session('%s') when done", res.SessionID)), nil
}

// create_orchestrated_worktrees
func (s *Server) createOrchestratedTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("create_orchestrated_worktrees",
		mcp.WithDescription("Split a task into subtasks, one worktree each. Subtasks signal completion by creating .task_complete and are merged together in order once all are done."),
		mcp.WithString("task", mcp.Required(), mcp.Description("The overall task")),
		mcp.WithArray("subtasks", mcp.Required(), mcp.WithStringItems(), mcp.Description("Subtask descriptions, in merge order")),
		mcp.WithString("target_repo", mcp.Description("Repository directory under the workspace")),
	)
	return tool, s.handleCreateOrchestrated
}

func (s *Server) handleCreateOrchestrated(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return missing("task"), nil
	}
	subtasks, err := request.RequireStringSlice("subtasks")
	if err != nil {
		return missing("subtasks"), nil
	}
	res, err := s.svc.CreateOrchestrated(ctx, sessions.OrchestrateRequest{
		Task:       task,
		Subtasks:   subtasks,
		TargetRepo: request.GetString("target_repo", ""),
	})
	if err != nil {
		return s.errorResult("create_orchestrated_worktrees", err), nil
	}
	return okResult(res, fmt.Sprintf("Subtasks are combined automatically when all are complete, or call combine_subtasks('%s')", res.SessionID)), nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List live sessions with completion progress. Sessions do not survive a restart."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.svc.ListSessions()
	if len(list) == 0 {
		return jsonResult(envelope{Status: sessions.OutcomeOK, Message: "No active sessions", Result: list}), nil
	}
	return okResult(list), nil
}

// get_worktree_info
func (s *Server) worktreeInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_worktree_info",
		mcp.WithDescription("Show a session's variants, or one variant when worktree_id is given. Completion markers are re-read first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("worktree_id", mcp.Description("Variant ID, e.g. variant-2 or subtask-1")),
	)
	return tool, s.handleWorktreeInfo
}

func (s *Server) handleWorktreeInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}

	if vid := request.GetString("worktree_id", ""); vid != "" {
		info, err := s.svc.GetVariant(sessionID, vid)
		if err != nil {
			return s.errorResult("get_worktree_info", err), nil
		}
		return okResult(info), nil
	}

	sess, err := s.svc.GetSession(sessionID)
	if err != nil {
		return s.errorResult("get_worktree_info", err), nil
	}
	// Refresh every variant so the snapshot reflects on-disk markers.
	infos := make([]*sessions.VariantInfo, 0, len(sess.Variants))
	for _, v := range sess.Variants {
		info, err := s.svc.GetVariant(sessionID, v.ID)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return okResult(map[string]any{
		"session_id":  sess.ID,
		"kind":        sess.Kind,
		"task":        sess.Task,
		"base_branch": sess.BaseBranch,
		"target_repo": sess.BasePath,
		"variants":    infos,
	}), nil
}

// mark_implementation_complete
func (s *Server) markCompleteTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("mark_implementation_complete",
		mcp.WithDescription("Explicitly mark a variant complete. Completion is permanent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("worktree_id", mcp.Required(), mcp.Description("Variant ID")),
	)
	return tool, s.handleMarkComplete
}

func (s *Server) handleMarkComplete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	vid, err := request.RequireString("worktree_id")
	if err != nil {
		return missing("worktree_id"), nil
	}
	p, err := s.svc.MarkComplete(sessionID, vid)
	if err != nil {
		return s.errorResult("mark_implementation_complete", err), nil
	}
	return jsonResult(envelope{
		Status:  sessions.OutcomeOK,
		Message: fmt.Sprintf("%d/%d complete", p.Completed, p.Total),
		Result:  p,
	}), nil
}

// ---------------------------------------------------------------------------
// Ranking and selection
// ---------------------------------------------------------------------------

// evaluate_implementations
func (s *Server) evaluateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("evaluate_implementations",
		mcp.WithDescription("Score completed variants (diff size, test results) and rank them best first. Includes an evaluation prompt with file excerpts and execution logs."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithBoolean("refresh", mcp.Description("Re-evaluate variants that already have a cached evaluation")),
	)
	return tool, s.handleEvaluate
}

func (s *Server) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	rk, err := s.svc.Rank(ctx, sessionID, request.GetBool("refresh", false))
	if err != nil {
		return s.errorResult("evaluate_implementations", err), nil
	}
	return rankingResult(rk), nil
}

func rankingResult(rk *sessions.Ranking) *mcp.CallToolResult {
	if rk.Empty() {
		return jsonResult(envelope{Status: sessions.OutcomeNothingToSelect, Message: rk.Narrative, Result: rk})
	}
	return jsonResult(envelope{
		Status:  sessions.OutcomeOK,
		Message: rk.Narrative,
		Result:  rk,
		NextSteps: []string{
			"Review the ranking and the evaluation prompt",
			fmt.Sprintf("Call finalize_best('%s', '<variant_id>') to keep the chosen variant", rk.SessionID),
		},
	})
}

// present_top_candidates
func (s *Server) topCandidatesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("present_top_candidates",
		mcp.WithDescription("Rank the session and return only the top two candidates for a human to choose between."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleTopCandidates
}

func (s *Server) handleTopCandidates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	rk, err := s.svc.Rank(ctx, sessionID, false)
	if err != nil {
		return s.errorResult("present_top_candidates", err), nil
	}
	if len(rk.Entries) > 2 {
		rk.Entries = rk.Entries[:2]
	}
	return rankingResult(rk), nil
}

// finalize_best
func (s *Server) finalizeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("finalize_best",
		mcp.WithDescription("Keep the chosen variant and remove every other worktree and branch. With merge_to_main the winner is merged into the base branch first; a failed merge removes nothing."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("worktree_id", mcp.Required(), mcp.Description("Winning variant ID")),
		mcp.WithBoolean("merge_to_main", mcp.Description("Merge the winner into the base branch")),
	)
	return tool, s.handleFinalize
}

func (s *Server) handleFinalize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	winner, err := request.RequireString("worktree_id")
	if err != nil {
		return missing("worktree_id"), nil
	}
	fr, err := s.svc.Finalize(ctx, sessionID, winner, request.GetBool("merge_to_main", false))
	if err != nil {
		return s.errorResult("finalize_best", err), nil
	}
	return finalizeResult(fr), nil
}

func finalizeResult(fr *sessions.FinalizeResult) *mcp.CallToolResult {
	env := envelope{Status: sessions.OutcomeOK, Result: fr}
	if fr.PartialFailure() {
		env.Status = sessions.OutcomePartialFailure
		env.Message = fmt.Sprintf("%d teardown step(s) failed; remove the listed worktrees or branches by hand", len(fr.Failures))
	}
	if !fr.Merged {
		env.NextSteps = []string{fmt.Sprintf("The winner stays at %s on branch %s", fr.WinnerPath, fr.WinnerBranch)}
	}
	return jsonResult(env)
}

// auto_select_best
func (s *Server) autoSelectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("auto_select_best",
		mcp.WithDescription("Rank the session and finalize its highest-scoring variant. Does nothing when no variant has completed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithBoolean("merge_to_main", mcp.Description("Merge the winner into the base branch")),
	)
	return tool, s.handleAutoSelect
}

func (s *Server) handleAutoSelect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	as, err := s.svc.AutoSelectBest(ctx, sessionID, request.GetBool("merge_to_main", false))
	if err != nil {
		return s.errorResult("auto_select_best", err), nil
	}
	if !as.Selected {
		return jsonResult(envelope{Status: sessions.OutcomeNothingToSelect, Message: as.Reason, Result: as}), nil
	}
	env := envelope{Status: sessions.OutcomeOK, Message: "selected " + as.Finalize.WinnerID, Result: as}
	if as.Finalize.PartialFailure() {
		env.Status = sessions.OutcomePartialFailure
	}
	return jsonResult(env), nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// combine_subtasks
func (s *Server) combineTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("combine_subtasks",
		mcp.WithDescription("Merge every subtask branch of an orchestrated session into the base branch, in subtask order. Stops at the first conflict."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Orchestrated session ID")),
	)
	return tool, s.handleCombine
}

func (s *Server) handleCombine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	cr, err := s.svc.Combine(ctx, sessionID)
	if err != nil {
		res := s.errorResult("combine_subtasks", err)
		if cr != nil && len(cr.Merged) > 0 {
			s.log.Info("combine stopped", zap.String("session", sessionID), zap.Strings("merged", cr.Merged), zap.String("failed", cr.Failed))
		}
		return res, nil
	}
	return okResult(cr, fmt.Sprintf("Call cleanup_session('%s') to remove the subtask worktrees", sessionID)), nil
}

// cleanup_session
func (s *Server) cleanupTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("cleanup_session",
		mcp.WithDescription("Remove every remaining worktree and branch of a session and forget it. Refuses while variants are pending unless force is set."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithBoolean("force", mcp.Description("Clean up even with pending variants")),
	)
	return tool, s.handleCleanup
}

func (s *Server) handleCleanup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return missing("session_id"), nil
	}
	cr, err := s.svc.Cleanup(ctx, sessionID, request.GetBool("force", false))
	if err != nil {
		return s.errorResult("cleanup_session", err), nil
	}
	env := envelope{Status: sessions.OutcomeOK, Result: cr}
	if cr.PartialFailure() {
		env.Status = sessions.OutcomePartialFailure
		env.Message = fmt.Sprintf("%d teardown step(s) failed", len(cr.Failures))
	}
	return jsonResult(env), nil
}
