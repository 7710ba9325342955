package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quire-tex/quire/pkg/config"
	"github.com/quire-tex/quire/pkg/engine"
	"github.com/quire-tex/quire/pkg/fault"
	"github.com/quire-tex/quire/pkg/session"
)

// isolate points configuration and caches at a fresh directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, filepath.Join(dir, "config.yaml"))
	t.Setenv(config.EnvCacheDir, filepath.Join(dir, "cache"))
	t.Setenv(config.EnvFormatCacheDir, "")
	t.Setenv(config.EnvBundleURL, "")
	t.Setenv(config.EnvEngine, "")
	t.Setenv(EnvLogLevel, "")
	return dir
}

func TestParsePassPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want session.PassPolicy
	}{
		{"default", session.PolicyDefault},
		{"", session.PolicyDefault},
		{"tex", session.PolicyTexOnly},
		{"bibtex_first", session.PolicyBibtexFirst},
		{"bibtex-first", session.PolicyBibtexFirst},
	}
	for _, tt := range tests {
		got, err := parsePassPolicy(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parsePassPolicy(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := parsePassPolicy("twice"); !errors.Is(err, fault.ErrConfiguration) {
		t.Errorf("unknown pass: error = %v", err)
	}
}

func TestParseUnstables(t *testing.T) {
	got, err := parseUnstables([]string{"continue-on-errors", "shell_escape"})
	if err != nil {
		t.Fatal(err)
	}
	if want := (engine.Unstables{ContinueOnErrors: true, ShellEscape: true}); got != want {
		t.Errorf("parseUnstables() = %+v, want %+v", got, want)
	}
	if _, err := parseUnstables([]string{"fast-mode"}); !errors.Is(err, fault.ErrConfiguration) {
		t.Errorf("unknown option: error = %v", err)
	}
}

func TestBundleListAndCat(t *testing.T) {
	isolate(t)
	bundleDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(bundleDir, "base"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "base", "article.cls"), []byte("%% article class\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "amsmath.sty"), []byte("%% amsmath\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		cmd := newRootCommand("test", "none", "today")
		cmd.SetOut(&out)
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("bundle", "list", "--bundle", bundleDir)
	if err != nil {
		t.Fatalf("bundle list error = %v", err)
	}
	if out != "amsmath.sty\nbase/article.cls\n" {
		t.Errorf("bundle list output = %q", out)
	}

	out, err = run("bundle", "list", "--cached", "--bundle", bundleDir)
	if err != nil {
		t.Fatalf("bundle list --cached error = %v", err)
	}
	if out != "amsmath.sty\nbase/article.cls\n" {
		t.Errorf("bundle list --cached output = %q", out)
	}

	out, err = run("bundle", "cat", "--bundle", bundleDir, "base/article.cls")
	if err != nil {
		t.Fatalf("bundle cat error = %v", err)
	}
	if out != "%% article class\n" {
		t.Errorf("bundle cat output = %q", out)
	}

	if _, err := run("bundle", "cat", "--bundle", bundleDir, "missing.sty"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("cat of missing file: error = %v", err)
	}
}

func TestCompileWithoutEngineIsConfigurationError(t *testing.T) {
	dir := isolate(t)
	input := filepath.Join(dir, "doc.tex")
	if err := os.WriteFile(input, []byte("\\relax"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvEngine, filepath.Join(dir, "absent.wasm"))

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs([]string{"--chatter", "minimal", input})
	err := cmd.ExecuteContext(context.Background())
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("error = %v, want configuration error", err)
	}
}

func TestRejectsBadGlobalFlags(t *testing.T) {
	isolate(t)
	for _, args := range [][]string{
		{"--color", "sometimes", "bundle", "list"},
		{"--chatter", "loud", "bundle", "list"},
	} {
		cmd := newRootCommand("test", "none", "today")
		cmd.SetArgs(args)
		if err := cmd.ExecuteContext(context.Background()); !errors.Is(err, fault.ErrConfiguration) {
			t.Errorf("%v: error = %v", args, err)
		}
	}
}
