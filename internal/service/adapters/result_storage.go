package adapters

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
)

const maxResultBytes = 512 << 20

// FSResultStorage downloads provider results under Dir and returns a file://
// reference.
type FSResultStorage struct {
	Dir        string
	HTTPClient *http.Client
}

func NewFSResultStorage(dir string) *FSResultStorage {
	return &FSResultStorage{Dir: dir, HTTPClient: &http.Client{Timeout: 5 * time.Minute}}
}

func (s *FSResultStorage) Persist(ctx context.Context, task domain.Task, sourceURI string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(sourceURI))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		// only remote results are copied
		return sourceURI, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download result: status %d", resp.StatusCode)
	}

	dir := filepath.Join(s.Dir, task.ExecutionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, task.ID+resultExt(u, resp.Header.Get("Content-Type")))
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(tmp, io.LimitReader(resp.Body, maxResultBytes))
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		if copyErr != nil {
			return "", fmt.Errorf("download result: %w", copyErr)
		}
		return "", closeErr
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func resultExt(u *url.URL, contentType string) string {
	if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".bin"
}

// ResultStorageFunc adapts a function to ports.ResultStorage.
type ResultStorageFunc func(ctx context.Context, task domain.Task, sourceURI string) (string, error)

func (f ResultStorageFunc) Persist(ctx context.Context, task domain.Task, sourceURI string) (string, error) {
	return f(ctx, task, sourceURI)
}
