package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetEnv_fallback(t *testing.T) {
	t.Setenv("HC_TEST_VALUE", "")
	if got := GetEnv("HC_TEST_VALUE", "dflt"); got != "dflt" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("HC_TEST_VALUE", "set")
	if got := GetEnv("HC_TEST_VALUE", "dflt"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}

func TestGetEnvInt_invalid_uses_fallback(t *testing.T) {
	t.Setenv("HC_TEST_INT", "abc")
	if got := GetEnvInt("HC_TEST_INT", 7); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	t.Setenv("HC_TEST_INT", "42")
	if got := GetEnvInt("HC_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestLoad_reads_dotenv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("HC_FROM_DOTENV=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("HC_FROM_DOTENV")
	t.Cleanup(func() { os.Unsetenv("HC_FROM_DOTENV") })

	if err := Load(p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("HC_FROM_DOTENV"); got != "yes" {
		t.Errorf("expected yes, got %q", got)
	}
}

func TestSplitList_pads_with_first(t *testing.T) {
	got := SplitList("5, 6", 4)
	want := []string{"5", "6", "5", "5"}
	if len(got) != len(want) {
		t.Fatalf("len: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %q want %q", i, got[i], want[i])
		}
	}
	if out := SplitList("", 3); len(out) != 0 {
		t.Errorf("empty input should stay empty, got %v", out)
	}
}

func TestParseFloats(t *testing.T) {
	got, err := ParseFloats("22,1.5", 3)
	if err != nil {
		t.Fatalf("ParseFloats: %v", err)
	}
	if len(got) != 3 || got[0] != 22 || got[1] != 1.5 || got[2] != 22 {
		t.Errorf("unexpected %v", got)
	}
	if _, err := ParseFloats("x", 1); err == nil {
		t.Error("expected error for non-number")
	}
}
