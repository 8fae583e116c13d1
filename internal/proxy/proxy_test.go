package proxy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeList(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write proxy file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeList(t, `# fleet proxies
10.0.0.1,8080
10.0.0.2,3128,user,pass

10.0.0.3,1080,user2,pass2,socks5
not-enough-fields
`)

	candidates, err := NewSelector(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("got %d candidates, want 3: %v", len(candidates), candidates)
	}

	if candidates[0].Addr() != "10.0.0.1:8080" {
		t.Errorf("candidates[0].Addr() = %q", candidates[0].Addr())
	}
	if candidates[0].Type != "http" {
		t.Errorf("candidates[0].Type = %q, want default http", candidates[0].Type)
	}
	if candidates[1].Username != "user" || candidates[1].Password != "pass" {
		t.Errorf("candidates[1] credentials = %q/%q", candidates[1].Username, candidates[1].Password)
	}
	if candidates[2].Type != "socks5" {
		t.Errorf("candidates[2].Type = %q, want socks5", candidates[2].Type)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	candidates, err := NewSelector(filepath.Join(t.TempDir(), "absent.csv")).Load()
	if err != nil {
		t.Fatalf("Load on missing file failed: %v", err)
	}
	if candidates != nil {
		t.Errorf("got %v, want empty list", candidates)
	}
}

func TestPick(t *testing.T) {
	path := writeList(t, "10.0.0.1,8080\n")

	candidate, ok := NewSelector(path).Pick()
	if !ok {
		t.Fatal("Pick = ok=false, want a candidate")
	}
	if candidate.Addr() != "10.0.0.1:8080" {
		t.Errorf("Pick returned %q", candidate.Addr())
	}
}

func TestPick_EmptyList(t *testing.T) {
	path := writeList(t, "# nothing usable\n\n")

	if _, ok := NewSelector(path).Pick(); ok {
		t.Error("Pick = ok=true on an empty list")
	}
}
