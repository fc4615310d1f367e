package vm

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestPackGuestScripts(t *testing.T) {
	scripts := t.TempDir()
	if err := os.WriteFile(filepath.Join(scripts, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(scripts, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scripts, "lib", "util.sh"), []byte("true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := packGuestScripts(scripts, t.TempDir())
	if err != nil {
		t.Fatalf("packGuestScripts failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("not a gzip stream: %v", err)
	}
	tr := tar.NewReader(gr)

	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		names[hdr.Name] = true
	}

	for _, want := range []string{"run.sh", "lib", "lib/util.sh"} {
		if !names[want] {
			t.Errorf("tarball missing %q, got %v", want, names)
		}
	}
}

func TestPackGuestScripts_AbsentDirIsSkipped(t *testing.T) {
	out, err := packGuestScripts(filepath.Join(t.TempDir(), "nope"), t.TempDir())
	if err != nil {
		t.Fatalf("absent scripts dir must not error: %v", err)
	}
	if out != "" {
		t.Errorf("out = %q, want empty", out)
	}

	out, err = packGuestScripts("", t.TempDir())
	if err != nil || out != "" {
		t.Errorf("unset scripts dir: out=%q err=%v", out, err)
	}
}

func TestBuildInitOverlay_Placeholder(t *testing.T) {
	dir := t.TempDir()

	out, err := buildInitOverlay("vm1", dir, "", false)
	if err != nil {
		t.Fatalf("buildInitOverlay failed: %v", err)
	}
	if out != filepath.Join(dir, "init-overlay.ext4") {
		t.Errorf("out = %q", out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("placeholder overlay missing: %v", err)
	}
}

func TestBuildInitOverlay_RealInitRequiresScript(t *testing.T) {
	if _, err := buildInitOverlay("vm1", t.TempDir(), "", true); err == nil {
		t.Fatal("use_real_init without a script must fail")
	}
}

func TestBuildInitOverlay_ScriptInvoked(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "mkoverlay.sh")
	// The script writes its arguments into the overlay path it was given.
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$1\" > \"$2\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := buildInitOverlay("vm1", dir, script, true)
	if err != nil {
		t.Fatalf("buildInitOverlay failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "vm1\n" {
		t.Errorf("overlay content = %q, want vm1", data)
	}
}
