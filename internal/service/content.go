package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
)

// ToolClient is the subset of the tool server client used for bring-up and saves.
type ToolClient interface {
	Health(ctx context.Context, ep toolserver.Endpoint) (*toolserver.HealthResponse, error)
	CreateArchive(ctx context.Context, ep toolserver.Endpoint, mountPath string) ([]byte, error)
	ExtractArchive(ctx context.Context, ep toolserver.Endpoint, mountPath string, data []byte) error
	InjectTemplate(ctx context.Context, ep toolserver.Endpoint, templateID, mountPath string) error
	DevServer(ctx context.Context, ep toolserver.Endpoint, action string) (*toolserver.DevServerStatus, error)
}

// TemplateInjector seeds an empty workspace with starter files.
type TemplateInjector interface {
	Inject(ctx context.Context, ep toolserver.Endpoint, templateID, mountPath string) error
}

// ReadinessChecker is the pass/fail gate run before a session is reported ready.
type ReadinessChecker interface {
	Check(ctx context.Context, ep toolserver.Endpoint) error
}

type toolTemplateInjector struct {
	tools ToolClient
}

// NewTemplateInjector injects templates through the tool server's template.inject operation.
func NewTemplateInjector(tools ToolClient) TemplateInjector {
	return &toolTemplateInjector{tools: tools}
}

func (t *toolTemplateInjector) Inject(ctx context.Context, ep toolserver.Endpoint, templateID, mountPath string) error {
	if err := t.tools.InjectTemplate(ctx, ep, templateID, mountPath); err != nil {
		return fmt.Errorf("failed to inject template %s: %w", templateID, err)
	}
	return nil
}

type devServerReadiness struct {
	tools ToolClient
}

// NewDevServerReadiness passes when the tool server is healthy and its dev
// server reports running.
func NewDevServerReadiness(tools ToolClient) ReadinessChecker {
	return &devServerReadiness{tools: tools}
}

func (r *devServerReadiness) Check(ctx context.Context, ep toolserver.Endpoint) error {
	health, err := r.tools.Health(ctx, ep)
	if err != nil {
		return err
	}
	if !health.Healthy() {
		return fmt.Errorf("%w: status %q", toolserver.ErrUnhealthy, health.Status)
	}
	status, err := r.tools.DevServer(ctx, ep, "status")
	if err != nil {
		return fmt.Errorf("dev server status: %w", err)
	}
	if !status.Running {
		return errors.New("dev server is not running")
	}
	return nil
}

// loadContent restores the saved archive, or injects the template and saves
// the result once so the workspace has an archive from its first session.
func (s *SessionService) loadContent(ctx context.Context, session *models.WorkspaceSession, ep toolserver.Endpoint) error {
	workspaceID := session.WorkspaceIDValue()
	mountPath := session.Environment.Data().MountPath

	hasArchive, err := s.archives.HasSavedArchive(ctx, session.UserID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to check saved archive: %w", err)
	}

	if hasArchive {
		data, err := s.archives.LoadArchive(ctx, session.UserID, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to load archive: %w", err)
		}
		if err := s.tools.ExtractArchive(ctx, ep, mountPath, data); err != nil {
			return fmt.Errorf("failed to restore archive: %w", err)
		}
		s.logger.Info().Str("session_id", session.ID).Int("bytes", len(data)).Msg("Workspace restored from archive")
		return nil
	}

	templateID := session.TemplateID
	if templateID == "" {
		templateID = s.opts.DefaultTemplateID
	}
	if err := s.templates.Inject(ctx, ep, templateID, mountPath); err != nil {
		return err
	}
	if _, err := s.saveWorkspace(ctx, session, ep); err != nil {
		return fmt.Errorf("failed to save fresh workspace: %w", err)
	}
	return nil
}

// saveWorkspace archives the container's mount path into the archive store.
func (s *SessionService) saveWorkspace(ctx context.Context, session *models.WorkspaceSession, ep toolserver.Endpoint) (*SaveResult, error) {
	data, err := s.tools.CreateArchive(ctx, ep, session.Environment.Data().MountPath)
	if err != nil {
		return nil, fmt.Errorf("failed to archive workspace: %w", err)
	}
	if err := s.archives.SaveArchive(ctx, session.UserID, session.WorkspaceIDValue(), data); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.sessions.Updates(ctx, session.ID, map[string]interface{}{
		"has_saved_changes": true,
		"last_saved_at":     now,
	}); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to stamp save time")
	}
	return &SaveResult{SessionID: session.ID, SavedAt: now, Size: int64(len(data))}, nil
}

type SaveResult struct {
	SessionID string    `json:"sessionId"`
	SavedAt   time.Time `json:"savedAt"`
	Size      int64     `json:"size"`
}
