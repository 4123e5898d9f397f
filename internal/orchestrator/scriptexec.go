package orchestrator

import (
	"bufio"
	"context"
	"io"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

// scriptExecutor adapts a single shell command line (a repo's setup or
// cleanup script) to the executor.Executor capability set, so it can run
// through the same supervisor process-table bookkeeping a coding-agent turn
// does, just without a conversation to normalize. Grounded on
// internal/executor/linejson's line-oriented adapter shape, narrowed to a
// single non-interactive run with no resume semantics.
type scriptExecutor struct {
	command string
}

func newScriptExecutor(command string) *scriptExecutor {
	return &scriptExecutor{command: command}
}

func (s *scriptExecutor) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return executor.StartGrouped(ctx, "sh", []string{"-c", s.command}, opts.Cwd, opts.Env)
}

func (s *scriptExecutor) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return s.Spawn(ctx, opts)
}

func (s *scriptExecutor) SpawnReview(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return s.Spawn(ctx, opts)
}

func (s *scriptExecutor) AvailableSlashCommands(ctx context.Context, cwd string) ([]executor.SlashCommand, error) {
	return nil, nil
}

// NormalizeLogs drains the script's combined stdio without producing
// conversation entries: a setup script has no turn-structured output worth
// modeling, only a pass/fail exit code the supervisor already records.
func (s *scriptExecutor) NormalizeLogs(ctx context.Context, raw io.Reader, worktreePath string, sink executor.NormalizedSink) error {
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (s *scriptExecutor) DefaultMCPConfigPath() (string, bool) { return "", false }

func (s *scriptExecutor) GetAvailabilityInfo(ctx context.Context) executor.AvailabilityInfo {
	return executor.AvailabilityInfo{Status: executor.AvailabilityInstallationFound}
}

func (s *scriptExecutor) UseApprovals(svc executor.ApprovalRequester) {}

func (s *scriptExecutor) Capabilities() executor.Capability { return 0 }

var _ executor.Executor = (*scriptExecutor)(nil)
