package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// sidecarStatus is the optional `<project>/.ralph/status.json` hint an
// agent may write. It is never required for correctness; a missing
// or malformed file is silently treated as "no hint available".
type sidecarStatus struct {
	Status   string `json:"status"` // in_progress | completed | error
	Progress int    `json:"progress"`
	Result   string `json:"result"`
	Error    string `json:"error"`
}

func readSidecarStatus(projectPath string) (*sidecarStatus, bool) {
	data, err := os.ReadFile(filepath.Join(projectPath, ".ralph", "status.json"))
	if err != nil {
		return nil, false
	}
	var s sidecarStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	return &s, true
}
