package domains

import (
	"os"
	"path/filepath"
	"time"

	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
)

type memoryEmbeddingsDomain struct {
	markerFile string
}

func newMemoryEmbeddingsDomain(root string) *memoryEmbeddingsDomain {
	return &memoryEmbeddingsDomain{markerFile: filepath.Join(root, "outgoing", "embeddings_rebuild.lock")}
}

// CanExecute only allows a rebuild when both CPU and memory headroom are
// clear, since a rebuild is the most resource-hungry of the five domains.
func (d *memoryEmbeddingsDomain) CanExecute(state calyxtypes.SystemState, _ time.Time) bool {
	cpuOK, _ := state.ResourceHeadroom["cpu_ok"].(bool)
	memOK, _ := state.ResourceHeadroom["mem_ok"].(bool)
	return cpuOK && memOK
}

func (d *memoryEmbeddingsDomain) Execute(calyxtypes.Intent) map[string]interface{} {
	if _, err := os.Stat(d.markerFile); err == nil {
		return map[string]interface{}{"status": "skipped", "reason": "rebuild already in progress"}
	}

	if err := os.MkdirAll(filepath.Dir(d.markerFile), 0o755); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	if err := os.WriteFile(d.markerFile, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}

	return map[string]interface{}{"status": "done", "message": "embeddings rebuild initiated"}
}

func (d *memoryEmbeddingsDomain) VerifySuccess(result map[string]interface{}) bool {
	status, _ := result["status"].(string)
	return status == "done"
}

func (d *memoryEmbeddingsDomain) Rollback(map[string]interface{}) map[string]interface{} {
	_ = os.Remove(d.markerFile)
	return map[string]interface{}{"status": "rollback", "message": "embeddings rebuild marker removed"}
}
