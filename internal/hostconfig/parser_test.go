package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFile_BasicAndWildcard(t *testing.T) {
	d := t.TempDir()
	cfg := `
Host hpc-1
  HostName 10.0.0.10
  Port 2200 # login node

Host hpc-*
  User wildcard
  Port 22

Host *
  User default
`
	path := filepath.Join(d, "hosts")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Hosts) != 1 {
		t.Fatalf("expected 1 concrete host, got %d", len(cat.Hosts))
	}
	h, ok := cat.Lookup("hpc-1")
	if !ok {
		t.Fatal("expected alias lookup to succeed")
	}
	if h.HostName != "10.0.0.10" || h.User != "wildcard" || h.Port != 2200 {
		t.Fatalf("unexpected host parse: %+v", h)
	}
	if _, ok := cat.Lookup("hpc-2"); ok {
		t.Fatal("wildcard patterns must not become aliases")
	}
}

func TestParseFile_IncludeAndMalformed(t *testing.T) {
	d := t.TempDir()
	inc := filepath.Join(d, "inc.conf")
	if err := os.WriteFile(inc, []byte("Host db\n  HostName 10.1.1.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(d, "hosts")
	content := "Include inc.conf\nBadLine\nHost api\n  HostName=api.internal\n"
	if err := os.WriteFile(root, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cat, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Hosts) != 2 {
		t.Fatalf("expected 2 hosts from include+root, got %d", len(cat.Hosts))
	}
	if h, _ := cat.Lookup("api"); h.HostName != "api.internal" || h.Port != 0 {
		t.Fatalf("unexpected api entry: %+v", h)
	}
	if len(cat.Warnings) == 0 {
		t.Fatal("expected warning for malformed line")
	}
}

func TestParseFile_EmptyPathAndMissingFile(t *testing.T) {
	cat, err := ParseFile("")
	if err != nil || len(cat.Hosts) != 0 {
		t.Fatalf("expected empty catalog, got %+v, %v", cat, err)
	}
	cat, err = ParseFile(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Warnings) != 1 {
		t.Fatalf("expected a not-found warning, got %v", cat.Warnings)
	}
}
