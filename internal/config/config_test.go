package config

import (
	"testing"
)

func TestParsePodPoolSizes(t *testing.T) {
	environ := []string{
		"POD_POOL_PYTHON=5",
		"POD_POOL_GO=0",
		"POD_POOL_ENABLED=true",
		"POD_POOL_PARALLEL_BATCH=5",
		"UNRELATED=1",
		"POD_POOL_RUST=not-a-number",
	}

	got := parsePodPoolSizes(environ)

	want := map[string]int{"python": 5, "go": 0}
	if len(got) != len(want) {
		t.Fatalf("parsePodPoolSizes() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("parsePodPoolSizes()[%q] = %d, want %d", k, got[k], v)
		}
	}
}

func TestValidateSeccompProfile(t *testing.T) {
	cases := []struct {
		profile string
		wantErr bool
	}{
		{"RuntimeDefault", false},
		{"Unconfined", false},
		{"Localhost", true},
		{"", true},
	}
	for _, c := range cases {
		err := validateSeccompProfile(c.profile)
		if (err != nil) != c.wantErr {
			t.Errorf("validateSeccompProfile(%q) error = %v, wantErr %v", c.profile, err, c.wantErr)
		}
	}
}

func TestEnvironmentKeysDedup(t *testing.T) {
	cfg := &Config{APIKey: "sk-a", APIKeys: []string{"sk-a", "sk-b", ""}}
	got := cfg.EnvironmentKeys()
	if len(got) != 2 {
		t.Fatalf("EnvironmentKeys() = %v, want 2 entries", got)
	}
}
