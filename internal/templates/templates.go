package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed files/*.tmpl
var builtin embed.FS

// Names of the templates the engine renders
const (
	PHPPool    = "php-fpm-pool.conf"
	NginxHTTP  = "nginx-http.conf"
	NginxHTTPS = "nginx-https.conf"
	Profile    = "profile"
	BashLogout = "bash_logout"
	Bashrc     = "bashrc"
)

// Context is the key/value mapping handed to a template
type Context map[string]any

// Renderer renders built-in templates, preferring an override file named
// <name>.tmpl in overrideDir when one exists.
type Renderer struct {
	overrideDir string
}

// NewRenderer creates a renderer; overrideDir may be empty
func NewRenderer(overrideDir string) *Renderer {
	return &Renderer{overrideDir: overrideDir}
}

func (r *Renderer) load(name string) (*template.Template, error) {
	file := name + ".tmpl"
	var src []byte
	if r.overrideDir != "" {
		if data, err := os.ReadFile(filepath.Join(r.overrideDir, file)); err == nil {
			src = data
		}
	}
	if src == nil {
		data, err := builtin.ReadFile("files/" + file)
		if err != nil {
			return nil, fmt.Errorf("unknown template %q", name)
		}
		src = data
	}
	return template.New(name).Option("missingkey=error").Parse(string(src))
}

// Render executes template name with ctx
func (r *Renderer) Render(name string, ctx Context) ([]byte, error) {
	tmpl, err := r.load(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// RenderToFile renders name and atomically replaces path with the result.
func (r *Renderer) RenderToFile(name string, ctx Context, path string, perm os.FileMode) error {
	data, err := r.Render(name, ctx)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, perm)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never see a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
