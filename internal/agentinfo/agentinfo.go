// Package agentinfo owns the agent's enrollment identity and the metadata it
// attaches to outgoing traffic.
//
// The identity (uuid + key) is generated on first run and persisted to
// <data-dir>/agent-info.json so the manager keeps matching this endpoint to
// the same record across restarts. Writes go through a temp file + rename so
// a crash mid-write never leaves a corrupt identity behind.
package agentinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"
)

const stateFileName = "agent-info.json"

// identity is the on-disk representation of the enrollment credentials.
type identity struct {
	UUID   string   `json:"uuid"`
	Key    string   `json:"key"`
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
}

// AgentInfo provides the enrollment credentials, the User-Agent header and
// the global metadata document framed into every batch.
type AgentInfo struct {
	dataDir string
	version string
	logger  *zap.Logger

	// mu guards ident.Groups, the only mutable part of the identity.
	mu    sync.Mutex
	ident identity
}

// New loads the persisted identity from dataDir, generating and persisting a
// fresh one on first run.
func New(dataDir, version string, logger *zap.Logger) (*AgentInfo, error) {
	a := &AgentInfo{
		dataDir: dataDir,
		version: version,
		logger:  logger.Named("agentinfo"),
	}

	ident, err := loadIdentity(dataDir)
	if err != nil {
		return nil, err
	}

	if ident.UUID == "" {
		ident = identity{
			UUID: uuid.NewString(),
			Key:  uuid.NewString(),
			Name: hostname(),
		}
		if err := saveIdentity(dataDir, ident); err != nil {
			return nil, err
		}
		a.logger.Info("generated new agent identity", zap.String("uuid", ident.UUID))
	}

	a.ident = ident
	return a, nil
}

// UUID returns the stable agent identifier presented during authentication.
func (a *AgentInfo) UUID() string { return a.ident.UUID }

// Key returns the enrollment key presented during authentication.
func (a *AgentInfo) Key() string { return a.ident.Key }

// Name returns the agent display name (hostname at enrollment time).
func (a *AgentInfo) Name() string { return a.ident.Name }

// Groups returns the shared configuration groups this agent belongs to.
func (a *AgentInfo) Groups() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.ident.Groups))
	copy(out, a.ident.Groups)
	return out
}

// SetGroups replaces the agent's group membership and persists it.
func (a *AgentInfo) SetGroups(groups []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ident := a.ident
	ident.Groups = make([]string, len(groups))
	copy(ident.Groups, groups)
	if err := saveIdentity(a.dataDir, ident); err != nil {
		return err
	}
	a.ident = ident
	return nil
}

// UserAgent returns the User-Agent header value for all manager requests.
func (a *AgentInfo) UserAgent() string {
	return fmt.Sprintf("vigil-agent/%s (%s; %s)", a.version, runtime.GOOS, runtime.GOARCH)
}

// Metadata returns the global metadata JSON heading every batch frame. Host
// details are collected fresh on each call so OS upgrades are reflected
// without a restart.
func (a *AgentInfo) Metadata() string {
	meta := map[string]any{
		"id":      a.ident.UUID,
		"name":    a.ident.Name,
		"type":    runtime.GOOS,
		"version": a.version,
	}

	if info, err := host.Info(); err == nil {
		meta["host"] = map[string]any{
			"hostname": info.Hostname,
			"os":       info.Platform,
			"os_ver":   info.PlatformVersion,
			"arch":     info.KernelArch,
		}
	} else {
		a.logger.Debug("host info collection failed", zap.Error(err))
	}

	data, err := json.Marshal(map[string]any{"agent": meta})
	if err != nil {
		// Marshal of map[string]any over plain values cannot fail; keep the
		// frame shape anyway.
		return `{"agent":{}}`
	}
	return string(data)
}

func stateFilePath(dataDir string) string {
	return filepath.Join(dataDir, stateFileName)
}

// loadIdentity reads the persisted identity. Returns a zero identity if the
// file does not exist yet.
func loadIdentity(dataDir string) (identity, error) {
	data, err := os.ReadFile(stateFilePath(dataDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return identity{}, nil
		}
		return identity{}, fmt.Errorf("agentinfo: failed to read state file: %w", err)
	}
	var id identity
	if err := json.Unmarshal(data, &id); err != nil {
		return identity{}, fmt.Errorf("agentinfo: corrupted state file: %w", err)
	}
	return id, nil
}

// saveIdentity writes the identity to disk atomically via temp file + rename.
func saveIdentity(dataDir string, id identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("agentinfo: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("agentinfo: failed to create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dataDir, "agent-info.*.tmp")
	if err != nil {
		return fmt.Errorf("agentinfo: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agentinfo: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentinfo: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(dataDir)); err != nil {
		return fmt.Errorf("agentinfo: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
