package hubsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// InstallRequest is a verified install handed to the Installer.
type InstallRequest struct {
	Action     string
	PackageURL string
	// Artifact is the downloaded, hash-checked file; empty when no hash
	// was pinned and the installer fetches the package itself.
	Artifact string
}

// Installer applies a package on the spoke host.
type Installer interface {
	Install(ctx context.Context, req InstallRequest) (details string, err error)
}

// StagingInstaller leaves artifacts in Dir for the host's updater to pick up.
type StagingInstaller struct {
	Dir string
}

func (s StagingInstaller) Install(_ context.Context, req InstallRequest) (string, error) {
	if req.Artifact == "" {
		return "package " + req.PackageURL + " accepted for " + req.Action, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	name := path.Base(req.PackageURL)
	if name == "" || name == "/" || name == "." {
		name = "package"
	}
	dst := filepath.Join(s.Dir, name)
	if err := os.Rename(req.Artifact, dst); err != nil {
		return "", err
	}
	return "staged " + dst, nil
}

// download fetches url into dir and checks its sha256 against want.
// On mismatch the file is removed and ErrHashMismatch returned.
func download(ctx context.Context, c *http.Client, url, want, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "pkg-*")
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, h), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	if !strings.EqualFold(hex.EncodeToString(h.Sum(nil)), strings.TrimSpace(want)) {
		_ = os.Remove(f.Name())
		return "", ErrHashMismatch
	}
	return f.Name(), nil
}
