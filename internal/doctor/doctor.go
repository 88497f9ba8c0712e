// Package doctor runs local health checks: configuration, database,
// keyring and the daemon's control surface. It never mutates state
// beyond a keyring round trip probe.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"vibetune/config"
	"vibetune/internal/credentials"
	"vibetune/pkg/db"
	"vibetune/pkg/migration"
)

type Status string

const (
	StatusOK   Status = "OK"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

type CheckResult struct {
	Name    string
	Status  Status
	Summary string
	Details []string
}

type Report struct {
	Checks []CheckResult
}

func (r Report) HasFailures() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return true
		}
	}
	return false
}

func (r Report) ExitCode() int {
	if r.HasFailures() {
		return 1
	}
	return 0
}

// GenerateReport runs every check. Checks are independent; one failing
// never skips the others.
func GenerateReport() Report {
	var report Report
	report.Checks = append(report.Checks, checkEnvironment())
	report.Checks = append(report.Checks, checkBotsFile())
	report.Checks = append(report.Checks, checkDatabase())
	report.Checks = append(report.Checks, checkKeyring())
	report.Checks = append(report.Checks, checkDaemon())
	return report
}

func checkEnvironment() CheckResult {
	result := CheckResult{Name: "environment"}

	var missing []string
	for _, key := range []string{"INFERENCE_URL", "REGISTRY_URL"} {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		result.Status = StatusFail
		result.Summary = "required environment variables are not set"
		for _, key := range missing {
			result.Details = append(result.Details, key+" is empty")
		}
		return result
	}

	result.Status = StatusOK
	result.Summary = "inference and registry endpoints configured"
	return result
}

func checkBotsFile() CheckResult {
	result := CheckResult{Name: "bots.yaml"}

	botsFile, err := config.GetBotsFile()
	if err != nil {
		result.Status = StatusFail
		result.Summary = err.Error()
		return result
	}

	if _, err := os.Stat(botsFile); os.IsNotExist(err) {
		result.Status = StatusWarn
		result.Summary = fmt.Sprintf("%s does not exist yet; 'vibetune serve' creates a starter file", botsFile)
		return result
	}

	botRegistry, err := config.LoadBotRegistry(botsFile)
	if err != nil {
		result.Status = StatusFail
		result.Summary = fmt.Sprintf("failed to load %s", botsFile)
		result.Details = append(result.Details, err.Error())
		return result
	}

	active := botRegistry.Active()
	if len(active) == 0 {
		result.Status = StatusWarn
		result.Summary = "no enabled bots with a resolvable token"
		return result
	}

	result.Status = StatusOK
	result.Summary = fmt.Sprintf("%d of %d bots enabled", len(active), len(botRegistry.Bots))
	return result
}

func checkDatabase() CheckResult {
	result := CheckResult{Name: "database"}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		result.Status = StatusFail
		result.Summary = err.Error()
		return result
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		result.Status = StatusFail
		result.Summary = fmt.Sprintf("config directory is not writable: %v", err)
		return result
	}

	handle, err := db.Open(dbPath)
	if err != nil {
		result.Status = StatusFail
		result.Summary = fmt.Sprintf("failed to open %s", dbPath)
		result.Details = append(result.Details, err.Error())
		return result
	}
	defer handle.Close()

	version, dirty, err := migration.NewRunner(handle.Write()).Version()
	if err != nil {
		result.Status = StatusWarn
		result.Summary = "could not read schema version"
		result.Details = append(result.Details, err.Error())
		return result
	}
	if dirty {
		result.Status = StatusFail
		result.Summary = fmt.Sprintf("schema version %d is dirty; a migration was interrupted", version)
		return result
	}

	result.Status = StatusOK
	if stat, err := os.Stat(dbPath); err == nil {
		result.Summary = fmt.Sprintf("schema version %d, %d KiB on disk", version, stat.Size()/1024)
	} else {
		result.Summary = fmt.Sprintf("schema version %d", version)
	}
	return result
}

func checkKeyring() CheckResult {
	result := CheckResult{Name: "keyring"}

	// Round trip a probe entry; some headless hosts have no keyring
	// service at all.
	const probe = "doctor-probe"
	if err := credentials.SetSecret(probe, "ok"); err != nil {
		result.Status = StatusWarn
		result.Summary = "system keyring is unavailable; keyring: tokens in bots.yaml will not resolve"
		result.Details = append(result.Details, err.Error())
		return result
	}
	credentials.DeleteSecret(probe)

	result.Status = StatusOK
	result.Summary = "system keyring is available"
	return result
}

func checkDaemon() CheckResult {
	result := CheckResult{Name: "daemon"}

	addr := os.Getenv("SYNC_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	if addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		result.Status = StatusWarn
		result.Summary = "daemon is not running"
		return result
	}
	defer resp.Body.Close()

	var health struct {
		Version string `json:"version"`
		Bots    int    `json:"bots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		result.Status = StatusWarn
		result.Summary = "daemon answered with an unexpected payload"
		return result
	}

	result.Status = StatusOK
	result.Summary = fmt.Sprintf("daemon %s running with %d bots", health.Version, health.Bots)
	return result
}
