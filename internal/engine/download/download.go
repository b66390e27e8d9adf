// Package download implements onnxengine.Downloader against the
// HuggingFace Hub's file-listing and resolve-download HTTP API. It is the
// concrete collaborator the host binary wires into the reference engine;
// the engine package itself never imports net/http.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kakaly/mlxhost/internal/protocol"
)

const hubBaseURL = "https://huggingface.co"

// HuggingFace fetches model repos from the HuggingFace Hub and passes
// local-path sources through unchanged.
type HuggingFace struct {
	HTTPClient *http.Client
	BaseURL    string // overridable for tests
}

// New returns a HuggingFace downloader using http.DefaultClient.
func New() *HuggingFace {
	return &HuggingFace{HTTPClient: http.DefaultClient, BaseURL: hubBaseURL}
}

type hubFileEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Download fetches a huggingface source into modelsDir/<last repo path
// element> and returns that local path. A localPath source is not copied;
// its path is returned as-is.
func (h *HuggingFace) Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (string, error) {
	switch source.Kind {
	case protocol.DownloadSourceLocalPath:
		return source.Path, nil
	case protocol.DownloadSourceHuggingFace:
		return h.downloadHuggingFace(ctx, source, modelsDir)
	default:
		return "", fmt.Errorf("download: unknown source kind %q", source.Kind)
	}
}

func (h *HuggingFace) downloadHuggingFace(ctx context.Context, source protocol.DownloadSource, modelsDir string) (string, error) {
	if source.Repo == "" {
		return "", fmt.Errorf("download: huggingface source requires repo")
	}
	revision := source.Revision
	if revision == "" {
		revision = "main"
	}

	entries, err := h.listFiles(ctx, source.Repo, revision)
	if err != nil {
		return "", fmt.Errorf("download: listing %s@%s: %w", source.Repo, revision, err)
	}

	localDir := filepath.Join(modelsDir, filepath.Base(source.Repo))
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return "", fmt.Errorf("download: creating %s: %w", localDir, err)
	}

	for _, entry := range entries {
		if entry.Type != "file" {
			continue
		}
		if err := h.downloadFile(ctx, source.Repo, revision, entry.Path, localDir); err != nil {
			return "", fmt.Errorf("download: fetching %s: %w", entry.Path, err)
		}
	}

	return localDir, nil
}

func (h *HuggingFace) listFiles(ctx context.Context, repo, revision string) ([]hubFileEntry, error) {
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", h.baseURL(), repo, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d listing %s", resp.StatusCode, repo)
	}

	var entries []hubFileEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding file list: %w", err)
	}
	return entries, nil
}

func (h *HuggingFace) downloadFile(ctx context.Context, repo, revision, path, destDir string) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL(), repo, revision, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, path)
	}

	out, err := os.Create(filepath.Join(destDir, filepath.Base(path)))
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (h *HuggingFace) baseURL() string {
	if h.BaseURL != "" {
		return h.BaseURL
	}
	return hubBaseURL
}
