// Package centralconfig applies manager-driven shared configuration. The
// manager assigns the agent to configuration groups; this component persists
// the membership and downloads each group's configuration overlay into the
// data directory. It is addressed through the command lane like a module but
// lives in the core because it touches the agent identity.
package centralconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vigilsec/vigil-agent/internal/command"
)

// Module name the manager uses to address this component.
const ModuleName = "CentralizedConfiguration"

// Supported command verbs.
const (
	cmdSetGroup    = "set-group"
	cmdUpdateGroup = "update-group"
)

// GroupStore persists the agent's group membership.
type GroupStore interface {
	Groups() []string
	SetGroups(groups []string) error
}

// DownloadFunc fetches one group's configuration file into dstPath and
// reports whether the manager served it.
type DownloadFunc func(ctx context.Context, groupID, dstPath string) bool

// CentralizedConfig handles group membership commands.
type CentralizedConfig struct {
	store    GroupStore
	download DownloadFunc
	dataDir  string
	logger   *zap.Logger
}

// New builds the centralized configuration handler. Group overlays are
// written to <dataDir>/shared.
func New(store GroupStore, download DownloadFunc, dataDir string, logger *zap.Logger) *CentralizedConfig {
	return &CentralizedConfig{
		store:    store,
		download: download,
		dataDir:  dataDir,
		logger:   logger.Named("centralconfig"),
	}
}

// ExecuteCommand handles one manager command:
//
//	set-group <group...>  — replace membership, then fetch each overlay
//	update-group          — re-fetch overlays for the current membership
func (c *CentralizedConfig) ExecuteCommand(ctx context.Context, cmd string, parameters []string) command.Result {
	switch cmd {
	case cmdSetGroup:
		return c.setGroup(ctx, parameters)
	case cmdUpdateGroup:
		return c.updateGroup(ctx)
	default:
		return command.Result{
			Code:    command.CodeFailure,
			Message: fmt.Sprintf("unknown command %q", cmd),
		}
	}
}

func (c *CentralizedConfig) setGroup(ctx context.Context, groups []string) command.Result {
	if len(groups) == 0 {
		return command.Result{Code: command.CodeFailure, Message: "set-group requires at least one group"}
	}

	if err := c.store.SetGroups(groups); err != nil {
		c.logger.Error("failed to persist group membership", zap.Error(err))
		return command.Result{Code: command.CodeFailure, Message: err.Error()}
	}
	c.logger.Info("group membership updated", zap.Strings("groups", groups))

	return c.fetchGroups(ctx, groups)
}

func (c *CentralizedConfig) updateGroup(ctx context.Context) command.Result {
	return c.fetchGroups(ctx, c.store.Groups())
}

func (c *CentralizedConfig) fetchGroups(ctx context.Context, groups []string) command.Result {
	var failed []string
	for _, g := range groups {
		dst := filepath.Join(c.dataDir, "shared", g+".conf")
		if !c.download(ctx, g, dst) {
			failed = append(failed, g)
		}
	}
	if len(failed) > 0 {
		return command.Result{
			Code:    command.CodeFailure,
			Message: "failed to fetch configuration for groups: " + strings.Join(failed, ", "),
		}
	}
	return command.Result{Code: command.CodeSuccess}
}
