package executor

import (
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// TeamStateDirName holds auxiliary agent-team files inside a run directory.
const TeamStateDirName = ".team-state"

// SeedFromBase copies the base project into dst when dst is empty. Per-file
// failures are logged and skipped. It returns the number of files copied.
func SeedFromBase(src, dst string, log *logger.Logger) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("base project %s: %w", src, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("base project %s is not a directory", src)
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		return 0, err
	}
	if len(entries) > 0 {
		return 0, nil
	}
	return copyTree(src, dst, func(time.Time) bool { return true }, log), nil
}

// SnapshotTeamState copies agent-team state files changed since since into
// runDir/.team-state. A missing state directory is not an error. Files that
// cannot be copied are logged to log and skipped.
func SnapshotTeamState(stateDir, runDir string, since time.Time, log *logger.Logger) (int, error) {
	if stateDir == "" {
		return 0, nil
	}
	if _, err := os.Stat(stateDir); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	dst := filepath.Join(runDir, TeamStateDirName)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}
	return copyTree(stateDir, dst, func(mod time.Time) bool { return !mod.Before(since) }, log), nil
}

func copyTree(src, dst string, include func(modTime time.Time) bool, log *logger.Logger) int {
	copied := 0
	_ = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debug("skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				log.Debug("skipping directory", zap.String("path", rel), zap.Error(err))
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !include(info.ModTime()) {
			return nil
		}
		if err := copyFile(path, target, info.Mode().Perm()); err != nil {
			log.Debug("skipping file", zap.String("path", rel), zap.Error(err))
			return nil
		}
		copied++
		return nil
	})
	return copied
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ParseEnvList turns KEY=VALUE entries into a map, ignoring malformed ones.
func ParseEnvList(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, kv := range list {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// ProxyURL turns the proxy listen address into the URL agents use.
// Wildcard hosts are reached through the loopback interface.
func ProxyURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
