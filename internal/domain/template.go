package domain

import "context"

// TemplateDescriptor describes a starter template offered by the sandbox service.
// Name is the unique key.
type TemplateDescriptor struct {
	Name        string   `json:"name"`
	Language    string   `json:"language,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	Description string   `json:"description,omitempty"`
}

// TemplateFile is one entry of a template's file manifest.
type TemplateFile struct {
	Path     string `json:"filePath"`
	Contents string `json:"fileContents"`
}

// TemplateDetails is a descriptor plus its file manifest.
type TemplateDetails struct {
	TemplateDescriptor
	Files          []TemplateFile `json:"files"`
	DontTouchFiles []string       `json:"dontTouchFiles,omitempty"`
	RedactedFiles  []string       `json:"redactedFiles,omitempty"`
}

// Clone returns a deep copy.
func (d *TemplateDetails) Clone() *TemplateDetails {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Frameworks = cloneStrings(d.Frameworks)
	if d.Files != nil {
		cp.Files = make([]TemplateFile, len(d.Files))
		copy(cp.Files, d.Files)
	}
	cp.DontTouchFiles = cloneStrings(d.DontTouchFiles)
	cp.RedactedFiles = cloneStrings(d.RedactedFiles)
	return &cp
}

// FilePaths returns the manifest paths in order.
func (d *TemplateDetails) FilePaths() []string {
	if d == nil {
		return nil
	}
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// SelectionResult is the outcome of template selection. A nil
// SelectedTemplateName means "no selection".
type SelectionResult struct {
	SelectedTemplateName *string `json:"selectedTemplateName"`
	Reasoning            string  `json:"reasoning"`
	UseCase              string  `json:"useCase"`
	Complexity           string  `json:"complexity"`
	StyleSelection       string  `json:"styleSelection"`
	ProjectName          string  `json:"projectName"`
}

// HasSelection reports whether a template name was chosen.
func (r *SelectionResult) HasSelection() bool {
	return r != nil && r.SelectedTemplateName != nil && *r.SelectedTemplateName != ""
}

// Name returns the selected template name or "".
func (r *SelectionResult) Name() string {
	if !r.HasSelection() {
		return ""
	}
	return *r.SelectedTemplateName
}

// Clone returns a deep copy.
func (r *SelectionResult) Clone() *SelectionResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.SelectedTemplateName != nil {
		name := *r.SelectedTemplateName
		cp.SelectedTemplateName = &name
	}
	return &cp
}

// TemplateListResponse mirrors the sandbox service's listTemplates reply.
type TemplateListResponse struct {
	Success   bool                 `json:"success"`
	Templates []TemplateDescriptor `json:"templates"`
	Error     string               `json:"error,omitempty"`
}

// TemplateDetailsResponse mirrors the sandbox service's getTemplateDetails reply.
type TemplateDetailsResponse struct {
	Success         bool             `json:"success"`
	TemplateDetails *TemplateDetails `json:"templateDetails,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// DeployResult is returned after files are written into a sandbox session.
type DeployResult struct {
	SessionID  string `json:"sessionId"`
	PreviewURL string `json:"previewUrl,omitempty"`
	Files      int    `json:"files"`
}

// SandboxService is the build/execution collaborator that hosts templates and
// sandbox sessions.
type SandboxService interface {
	ListTemplates(ctx context.Context) (*TemplateListResponse, error)
	GetTemplateDetails(ctx context.Context, name string) (*TemplateDetailsResponse, error)
	// AcquireSession provisions (or warms) the sandbox session with the given ID.
	AcquireSession(ctx context.Context, sessionID string) error
	DeployFiles(ctx context.Context, sessionID string, files []TemplateFile) (*DeployResult, error)
}
