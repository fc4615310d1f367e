package vm

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// packGuestScripts builds <dir>/guest.tar.gz from the configured guest
// scripts directory. The tarball is copied into the guest by its init
// path. Returns "" with no error when scriptsDir is unset or absent.
func packGuestScripts(scriptsDir, dir string) (string, error) {
	if scriptsDir == "" {
		return "", nil
	}
	if _, err := os.Stat(scriptsDir); err != nil {
		return "", nil
	}

	out := filepath.Join(dir, "guest.tar.gz")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create guest tarball: %w", err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	err = filepath.Walk(scriptsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(scriptsDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		tw.Close()
		gw.Close()
		return "", fmt.Errorf("pack guest scripts: %w", err)
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finalize guest tarball: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("finalize guest tarball: %w", err)
	}
	return out, nil
}

// buildInitOverlay produces <dir>/init-overlay.ext4. Without a real init
// the overlay is a placeholder marker file the dev launcher recognizes;
// with use_real_init set the configured overlay script builds it.
func buildInitOverlay(vmID, dir, overlayScript string, useRealInit bool) (string, error) {
	out := filepath.Join(dir, "init-overlay.ext4")

	if useRealInit {
		if overlayScript == "" {
			return "", fmt.Errorf("use_real_init set but no init overlay script configured")
		}
		cmd := exec.Command(overlayScript, vmID, out)
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("init overlay script failed: %w: %s", err, output)
		}
		return out, nil
	}

	if err := os.WriteFile(out, []byte("placeholder-init-overlay\n"), 0o644); err != nil {
		return "", fmt.Errorf("write init overlay placeholder: %w", err)
	}
	return out, nil
}
