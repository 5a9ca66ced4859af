package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/splitio/flagsync/internal/synchronizer"
)

func writeStats(sb *strings.Builder, stats synchronizer.Stats) {
	sb.WriteString(fmt.Sprintf("Mode: %s\n", stats.Mode))
	sb.WriteString(fmt.Sprintf("Streaming: %s\n", stats.StreamingState))
	sb.WriteString(fmt.Sprintf("Feature flags: %d\n", stats.FeatureFlagsChangeNumber))
	sb.WriteString(fmt.Sprintf("Rule-based segments: %d\n", stats.RuleBasedSegmentsChangeNumber))
	sb.WriteString(fmt.Sprintf("Keys: %d", stats.TrackedKeys))
}

// FormatReadyMessage creates the body of the ready alert.
func FormatReadyMessage(stats synchronizer.Stats, elapsed time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Initial sync took %s\n", elapsed.Round(time.Millisecond)))
	writeStats(&sb, stats)

	return sb.String()
}

// FormatSyncErrorsMessage creates the body of a failure alert.
func FormatSyncErrorsMessage(stats synchronizer.Stats, failures int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Failed syncs: %d\n", failures))
	if stats.StreamingDisabled {
		sb.WriteString("Streaming disabled, polling only\n")
	}
	writeStats(&sb, stats)

	return sb.String()
}
