// Package scriptsrc fetches script text from where a stage's script
// reference points: a file-server download URL or the local filesystem.
package scriptsrc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scriptflow/internal/scripterr"
)

// Placeholder is substituted with the script reference in URL templates.
const Placeholder = "${id}"

// maxScriptBytes bounds a downloaded script.
const maxScriptBytes = 8 << 20

// Script is resolved script text. Path is set when the text already lives in
// a file that can be handed to the interpreter as is.
type Script struct {
	Ref  string
	Text string
	Path string
}

// Resolver turns a script reference into script text.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Script, error)
}

// HTTPResolver downloads scripts from a file server. The URL template must
// contain Placeholder, which is replaced by the path-escaped reference.
type HTTPResolver struct {
	httpClient *http.Client
	template   string
}

type HTTPConfig struct {
	URLTemplate string
	Timeout     time.Duration
	Client      *http.Client
}

func NewHTTPResolver(cfg HTTPConfig) (*HTTPResolver, error) {
	if !strings.Contains(cfg.URLTemplate, Placeholder) {
		return nil, fmt.Errorf("script url template %q has no %s placeholder", cfg.URLTemplate, Placeholder)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPResolver{httpClient: hc, template: cfg.URLTemplate}, nil
}

// URL returns the download location for ref.
func (r *HTTPResolver) URL(ref string) string {
	return strings.ReplaceAll(r.template, Placeholder, url.PathEscape(ref))
}

// Resolve performs a single GET; there is no retry.
func (r *HTTPResolver) Resolve(ctx context.Context, ref string) (Script, error) {
	if strings.TrimSpace(ref) == "" {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "empty script reference")
	}
	u := r.URL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Script{}, scripterr.Wrap(scripterr.ErrScriptResolution, err, "build request for %s", u)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Script{}, scripterr.Wrap(scripterr.ErrScriptResolution, err, "download %s", u)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return Script{}, scripterr.Wrap(scripterr.ErrScriptResolution, err, "read %s", u)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "download %s: status %d: %s", u, resp.StatusCode, snippet(body))
	}
	if len(body) > maxScriptBytes {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "script %s exceeds %d bytes", ref, maxScriptBytes)
	}
	return checked(ref, string(body), "")
}

// FileResolver reads scripts from disk. Relative references resolve
// against Dir.
type FileResolver struct {
	Dir string
}

func (r FileResolver) Resolve(_ context.Context, ref string) (Script, error) {
	if strings.TrimSpace(ref) == "" {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "empty script reference")
	}
	path := ref
	if r.Dir != "" && !filepath.IsAbs(ref) {
		path = filepath.Join(r.Dir, ref)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, scripterr.Wrap(scripterr.ErrScriptResolution, err, "read script")
	}
	return checked(ref, string(b), path)
}

// Static serves fixed script text, keyed by reference.
type Static map[string]string

func (s Static) Resolve(_ context.Context, ref string) (Script, error) {
	text, ok := s[ref]
	if !ok {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "unknown script %q", ref)
	}
	return checked(ref, text, "")
}

func checked(ref, text, path string) (Script, error) {
	if strings.TrimSpace(text) == "" {
		return Script{}, scripterr.New(scripterr.ErrScriptResolution, "script %q is empty", ref)
	}
	return Script{Ref: ref, Text: text, Path: path}, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
