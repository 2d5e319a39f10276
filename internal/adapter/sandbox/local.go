package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"forgeline/internal/domain"
)

// manifestFile describes a template directory in the local backend.
const manifestFile = "template.yaml"

// maxTemplateFile caps the size of a single template file loaded into memory.
const maxTemplateFile = 1 << 20

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// templateManifest is the on-disk shape of template.yaml.
type templateManifest struct {
	Name           string   `yaml:"name"`
	Language       string   `yaml:"language"`
	Frameworks     []string `yaml:"frameworks"`
	Description    string   `yaml:"description"`
	DontTouchFiles []string `yaml:"dont_touch_files"`
	RedactedFiles  []string `yaml:"redacted_files"`
}

// Local serves templates from a directory tree and materializes sandbox
// sessions as directories. Each template is a subdirectory containing a
// template.yaml manifest plus its files.
type Local struct {
	templatesDir string
	sessionsDir  string
	previewBase  string
	logger       *slog.Logger
}

// NewLocal creates a filesystem sandbox backend.
func NewLocal(templatesDir, sessionsDir, previewBase string, logger *slog.Logger) *Local {
	return &Local{
		templatesDir: templatesDir,
		sessionsDir:  sessionsDir,
		previewBase:  strings.TrimRight(previewBase, "/"),
		logger:       logger,
	}
}

// ListTemplates implements domain.SandboxService.
func (l *Local) ListTemplates(ctx context.Context) (*domain.TemplateListResponse, error) {
	entries, err := os.ReadDir(l.templatesDir)
	if err != nil {
		return &domain.TemplateListResponse{Error: fmt.Sprintf("read templates dir: %v", err)}, nil
	}

	templates := make([]domain.TemplateDescriptor, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := l.readManifest(e.Name())
		if err != nil {
			l.logger.Warn("skipping template", "dir", e.Name(), "error", err)
			continue
		}
		templates = append(templates, m.descriptor())
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return &domain.TemplateListResponse{Success: true, Templates: templates}, nil
}

// GetTemplateDetails implements domain.SandboxService.
func (l *Local) GetTemplateDetails(ctx context.Context, name string) (*domain.TemplateDetailsResponse, error) {
	dir, m, err := l.findTemplate(name)
	if err != nil {
		return &domain.TemplateDetailsResponse{Error: err.Error()}, nil
	}

	root := filepath.Join(l.templatesDir, dir)
	var files []domain.TemplateFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == manifestFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxTemplateFile {
			l.logger.Debug("skipping large template file", "template", name, "file", rel, "size", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, domain.TemplateFile{Path: filepath.ToSlash(rel), Contents: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read template %s: %v", domain.ErrSandbox, name, err)
	}

	return &domain.TemplateDetailsResponse{
		Success: true,
		TemplateDetails: &domain.TemplateDetails{
			TemplateDescriptor: m.descriptor(),
			Files:              files,
			DontTouchFiles:     m.DontTouchFiles,
			RedactedFiles:      m.RedactedFiles,
		},
	}, nil
}

// AcquireSession implements domain.SandboxService.
func (l *Local) AcquireSession(ctx context.Context, sessionID string) error {
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create session %s: %v", domain.ErrSandbox, sessionID, err)
	}
	return nil
}

// DeployFiles implements domain.SandboxService. Paths escaping the session
// directory are rejected.
func (l *Local) DeployFiles(ctx context.Context, sessionID string, files []domain.TemplateFile) (*domain.DeployResult, error) {
	dir, err := l.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: session %s not acquired", domain.ErrSandbox, sessionID)
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: file path %q escapes session", domain.ErrInvalidInput, f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSandbox, err)
		}
		if err := os.WriteFile(target, []byte(f.Contents), 0o644); err != nil {
			return nil, fmt.Errorf("%w: write %s: %v", domain.ErrSandbox, f.Path, err)
		}
	}

	res := &domain.DeployResult{SessionID: sessionID, Files: len(files)}
	if l.previewBase != "" {
		res.PreviewURL = l.previewBase + "/" + sessionID + "/"
	}
	return res, nil
}

func (l *Local) sessionDir(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", fmt.Errorf("%w: invalid session id %q", domain.ErrInvalidInput, sessionID)
	}
	abs, err := filepath.Abs(filepath.Join(l.sessionsDir, sessionID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSandbox, err)
	}
	return abs, nil
}

func (l *Local) readManifest(dir string) (*templateManifest, error) {
	data, err := os.ReadFile(filepath.Join(l.templatesDir, dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m templateManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	if m.Name == "" {
		m.Name = dir
	}
	return &m, nil
}

// findTemplate locates the directory whose manifest names the template.
func (l *Local) findTemplate(name string) (string, *templateManifest, error) {
	if filepath.Base(name) == name {
		if m, err := l.readManifest(name); err == nil && m.Name == name {
			return name, m, nil
		}
	}
	entries, err := os.ReadDir(l.templatesDir)
	if err != nil {
		return "", nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m, err := l.readManifest(e.Name()); err == nil && m.Name == name {
			return e.Name(), m, nil
		}
	}
	return "", nil, errors.New("template not found: " + name)
}

func (m *templateManifest) descriptor() domain.TemplateDescriptor {
	return domain.TemplateDescriptor{
		Name:        m.Name,
		Language:    m.Language,
		Frameworks:  m.Frameworks,
		Description: m.Description,
	}
}

var _ domain.SandboxService = (*Local)(nil)
