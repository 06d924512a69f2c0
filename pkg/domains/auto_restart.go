package domains

import (
	"os"
	"path/filepath"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
)

const autoRestartStaleThreshold = 900 * time.Second

// probeNames are the five named probe lock files whose heartbeats
// auto_restart watches, matching the original's hardcoded probe set.
var probeNames = []string{"svf", "triage", "sysint", "cp6", "cp7"}

type autoRestartDomain struct {
	outgoingDir string
}

func newAutoRestartDomain(root string) *autoRestartDomain {
	return &autoRestartDomain{outgoingDir: filepath.Join(root, "outgoing")}
}

func (d *autoRestartDomain) CanExecute(calyxtypes.SystemState, time.Time) bool { return true }

func (d *autoRestartDomain) Execute(calyxtypes.Intent) map[string]interface{} {
	staleCutoff := time.Now().Add(-autoRestartStaleThreshold)

	var actions []interface{}
	for _, probe := range probeNames {
		lockFile := filepath.Join(d.outgoingDir, probe+".lock")
		info, err := os.Stat(lockFile)
		if err != nil {
			continue
		}
		if info.ModTime().Before(staleCutoff) {
			actions = append(actions, map[string]interface{}{
				"probe":         probe,
				"last_seen":     info.ModTime().Unix(),
				"stale_minutes": time.Since(info.ModTime()).Minutes(),
			})
		}
	}

	return map[string]interface{}{
		"status":       "done",
		"checked":      len(probeNames),
		"stale_probes": len(actions),
		"actions":      actions,
	}
}

func (d *autoRestartDomain) VerifySuccess(result map[string]interface{}) bool {
	stale, ok := result["stale_probes"].(int)
	return ok && stale == 0
}

func (d *autoRestartDomain) Rollback(map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"status": "rollback", "message": "no action taken; stale probes are only reported"}
}
