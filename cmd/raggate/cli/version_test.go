package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd("1.2.3", "abc1234", "2026-08-31")
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "raggate 1.2.3 (commit abc1234, built 2026-08-31)") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestVersionCmdJSON(t *testing.T) {
	cmd := newVersionCmd("1.2.3", "abc1234", "2026-08-31")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc1234" {
		t.Errorf("got %v", info)
	}
	if info["go_version"] == "" || info["os"] == "" || info["arch"] == "" {
		t.Errorf("missing runtime fields: %v", info)
	}
}
