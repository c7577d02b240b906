package server

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostr/internal/store"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates instance names to avoid path traversal when used in
// work directory paths. Allowed characters: A-Z a-z 0-9 . _ -
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeRelPath ensures the entry file stays inside the instance work
// directory: relative, cleaned, no traversal.
func isSafeRelPath(p string) bool {
	if p == "" || filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean != p {
		return false
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// instanceResp is the wire view of a stored instance.
type instanceResp struct {
	ID               int64   `json:"id"`
	OwnerID          int64   `json:"owner_id"`
	Name             string  `json:"name"`
	EntryFile        string  `json:"entry_file"`
	Status           string  `json:"status"`
	Running          bool    `json:"running"`
	PID              int     `json:"pid,omitempty"`
	TotalSeconds     int64   `json:"total_seconds"`
	RemainingSeconds int64   `json:"remaining_seconds"`
	PowerMax         float64 `json:"power_max"`
	PowerRemaining   float64 `json:"power_remaining"`
	SleepMode        bool    `json:"sleep_mode"`
	SleepReason      string  `json:"sleep_reason,omitempty"`
	RestartCount     int     `json:"restart_count"`
	CreatedAt        string  `json:"created_at,omitempty"`
}

func instanceView(inst store.Instance, running bool) instanceResp {
	resp := instanceResp{
		ID:               inst.ID,
		OwnerID:          inst.OwnerID,
		Name:             inst.Name,
		EntryFile:        inst.EntryFile,
		Status:           inst.Status,
		Running:          running,
		PID:              inst.PID,
		TotalSeconds:     inst.TotalSeconds,
		RemainingSeconds: inst.RemainingSeconds,
		PowerMax:         inst.PowerMax,
		PowerRemaining:   inst.PowerRemaining,
		SleepMode:        inst.SleepMode,
		RestartCount:     inst.RestartCount,
	}
	if inst.SleepMode {
		resp.SleepReason = string(inst.LastSleepReason)
	}
	if !inst.CreatedAt.IsZero() {
		resp.CreatedAt = inst.CreatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type logResp struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
