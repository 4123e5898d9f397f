package httpsse

import (
	"context"
	"os/exec"
	"strings"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

func probeAvailability(ctx context.Context, binaryPath string) executor.AvailabilityInfo {
	path, err := exec.LookPath(binaryPath)
	if err != nil {
		return executor.AvailabilityInfo{Status: executor.AvailabilityNotFound}
	}

	cmd := exec.CommandContext(ctx, path, "--version")
	out, err := cmd.Output()
	if err != nil {
		return executor.AvailabilityInfo{Status: executor.AvailabilityInstallationFound}
	}

	return executor.AvailabilityInfo{
		Status:  executor.AvailabilityInstallationFound,
		Version: strings.TrimSpace(string(out)),
	}
}
