package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rrcstim/internal/model"
	"rrcstim/pkg/rrcstim"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut, origErr := stdout, stderr
	stdout, stderr = &buf, &bytes.Buffer{}
	t.Cleanup(func() {
		stdout, stderr = origOut, origErr
	})
	return &buf
}

func TestRunRequiresKnownCommand(t *testing.T) {
	if err := run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run(context.Background(), []string{"bogus"}); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := run(context.Background(), []string{"settings"}); err == nil {
		t.Fatal("expected missing settings subcommand error")
	}
}

func TestRunCommandRRCProtocol(t *testing.T) {
	out := captureOutput(t)
	args := []string{
		"run",
		"-store", "memory",
		"-blob-driver", "memory",
		"-protocol", "rrc-protocol",
		"-channel", "scalar",
		"-seed", "5",
		"-set", "bcl=100",
		"-set", "rrc_endBeatNumber=4",
		"-record",
		"-json",
	}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}
	var summary rrcstim.RunSummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out.String())
	}
	if summary.Steps != 401 || !summary.Completed || len(summary.Recordings) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestRunCommandConfigFileWithFlagOverride(t *testing.T) {
	out := captureOutput(t)
	path := writeConfig(t, map[string]any{
		"protocol":    "pace",
		"channel":     "scalar",
		"duration_ms": 1000,
	})
	args := []string{"run", "-config", path, "-duration-ms", "250", "-store", "memory", "-blob-driver", "memory"}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(out.String(), "protocol=pace channel=scalar steps=250") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	captureOutput(t)
	cases := [][]string{
		{"run", "-store", "memory", "-blob-driver", "memory", "-protocol", "idle"},
		{"run", "-store", "memory", "-blob-driver", "memory", "-set", "unknown=1"},
		{"run", "-store", "memory", "-blob-driver", "memory", "-log-level", "loud"},
		{"run", "-store", "nope"},
	}
	for _, args := range cases {
		if err := run(context.Background(), args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestDefaultsCommand(t *testing.T) {
	out := captureOutput(t)
	if err := run(context.Background(), []string{"defaults"}); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 25 || lines[0] != "bcl=1000" {
		t.Fatalf("unexpected defaults output: %v", lines)
	}

	out.Reset()
	if err := run(context.Background(), []string{"defaults", "-json"}); err != nil {
		t.Fatalf("defaults json: %v", err)
	}
	var cfg model.Config
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	if cfg != model.DefaultConfig() {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestChannelsCommand(t *testing.T) {
	out := captureOutput(t)
	if err := run(context.Background(), []string{"channels", "-period-ms", "10"}); err != nil {
		t.Fatalf("channels: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "scalar compatible=true") || !strings.Contains(got, "simulated-cell compatible=false") {
		t.Fatalf("unexpected channels output: %s", got)
	}
}

func TestRecordingsCommandListsFilesystemStore(t *testing.T) {
	out := captureOutput(t)
	root := t.TempDir()
	args := []string{
		"run", "-store", "memory", "-blob-driver", "fs", "-blob-root", root,
		"-protocol", "pace", "-channel", "scalar", "-duration-ms", "50", "-record",
	}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}
	out.Reset()
	if err := run(context.Background(), []string{"recordings", "list", "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings: %v", err)
	}
	if !strings.Contains(out.String(), "protocol=pace rows=50") {
		t.Fatalf("unexpected recordings output: %s", out.String())
	}
	key := strings.Fields(out.String())[0]

	out.Reset()
	if err := run(context.Background(), []string{"recordings", "get", "-key", key, "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings get: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 51 || lines[0] != "time_ms,voltage_mv,current_a,beat,apd_ms" {
		t.Fatalf("unexpected csv: %d lines, header %q", len(lines), lines[0])
	}

	outPath := filepath.Join(t.TempDir(), "run.csv")
	out.Reset()
	if err := run(context.Background(), []string{"recordings", "get", "-key", key, "-out", outPath, "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings get -out: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil || len(bytes.Split(bytes.TrimSpace(data), []byte("\n"))) != 51 {
		t.Fatalf("unexpected file contents: err=%v size=%d", err, len(data))
	}

	out.Reset()
	if err := run(context.Background(), []string{"recordings", "url", "-key", key, "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings url: %v", err)
	}
	if !strings.HasPrefix(out.String(), "file://") {
		t.Fatalf("unexpected url output: %s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"recordings", "delete", "-key", key, "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings delete: %v", err)
	}
	if !strings.Contains(out.String(), "existed=true") {
		t.Fatalf("unexpected delete output: %s", out.String())
	}
	out.Reset()
	if err := run(context.Background(), []string{"recordings", "-blob-driver", "fs", "-blob-root", root}); err != nil {
		t.Fatalf("recordings after delete: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no recordings after delete, got %s", out.String())
	}
	if err := run(context.Background(), []string{"recordings", "get", "-blob-driver", "fs", "-blob-root", root}); err == nil {
		t.Fatal("expected missing key error")
	}
	if err := run(context.Background(), []string{"recordings", "rename"}); err == nil {
		t.Fatal("expected unknown subcommand error")
	}
}

func TestRunCommandAppliesLiveUpdatesFromStdin(t *testing.T) {
	out := captureOutput(t)
	origIn := stdin
	stdin = strings.NewReader("# amplitude change\nstim_amplitude=6\n\nbcl=0\n")
	t.Cleanup(func() {
		stdin = origIn
	})
	args := []string{
		"run", "-store", "memory", "-blob-driver", "memory",
		"-protocol", "pace", "-channel", "scalar",
		"-realtime", "-duration-ms", "500", "-live", "-json",
	}
	if err := run(context.Background(), args); err != nil {
		t.Fatalf("run command: %v", err)
	}
	var summary rrcstim.RunSummary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out.String())
	}
	if summary.Updates != 1 || summary.Rejected != 1 || summary.Config.StimAmplitude != 6 {
		t.Fatalf("unexpected live update result: updates=%d rejected=%d amplitude=%f", summary.Updates, summary.Rejected, summary.Config.StimAmplitude)
	}
}

func TestParseUpdateLine(t *testing.T) {
	values, err := parseUpdateLine("bcl=500, stim_amplitude=3 rrc_chance=on")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(values) != 3 || values["bcl"] != 500 || values["stim_amplitude"] != 3 || values["rrc_chance"] != 1 {
		t.Fatalf("unexpected values: %+v", values)
	}
	if _, err := parseUpdateLine("bcl"); err == nil {
		t.Fatal("expected malformed assignment error")
	}
}
