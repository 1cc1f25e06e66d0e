package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

// newTestRoot builds the real command tree wired to a temp-dir store via
// MNEMO_STORE_PATH, the same env var a sandboxed test harness would set.
// It mirrors how main() assembles rootCmd, minus exiting the process.
func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "mnemo.db")
	t.Setenv("MNEMO_STORE_PATH", storePath)
	t.Setenv("MNEMO_CONFIG", "")

	root := &cobra.Command{Use: "mnemo", SilenceUsage: true, SilenceErrors: true}
	raw := bindRootFlags(root.PersistentFlags())
	root.AddCommand(buildCommands(raw)...)
	return root
}

func runCmd(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetArgs(args)
	root.SetOut(&out)

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	os.Stdout = w
	execErr := root.Execute()
	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String(), execErr
}

func TestRecordThenStatsRoundTrip(t *testing.T) {
	root := newTestRoot(t)

	if _, err := runCmd(t, root, "record", "/repo/main.go", "--type", "file"); err != nil {
		t.Fatalf("record: %v", err)
	}

	out, err := runCmd(t, root, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("neuronCount")) && !bytes.Contains([]byte(out), []byte("NeuronCount")) {
		t.Errorf("expected stats output to mention neuron count, got: %s", out)
	}
}

func TestRecordThenNeuronsListsIt(t *testing.T) {
	root := newTestRoot(t)

	if _, err := runCmd(t, root, "record", "/repo/foo.go", "--type", "file"); err != nil {
		t.Fatalf("record: %v", err)
	}

	out, err := runCmd(t, root, "neurons")
	if err != nil {
		t.Fatalf("neurons: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("/repo/foo.go")) {
		t.Errorf("expected neurons output to contain the recorded path, got: %s", out)
	}
}

func TestRecallRejectsEmptyQuery(t *testing.T) {
	root := newTestRoot(t)
	_, err := runCmd(t, root, "recall", "")
	if err == nil {
		t.Fatal("expected an error recalling an empty query")
	}
	if got := exitCode(err); got != 2 {
		t.Errorf("exitCode(empty query error) = %d, want 2", got)
	}
}

func TestBootstrapThenProjectsSeesTaggedNeuron(t *testing.T) {
	root := newTestRoot(t)

	entriesPath := filepath.Join(t.TempDir(), "entries.json")
	if err := os.WriteFile(entriesPath, []byte(`[{"path":"/repo/a.go","type":"file"}]`), 0o644); err != nil {
		t.Fatalf("write entries: %v", err)
	}

	out, err := runCmd(t, root, "bootstrap", entriesPath)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("neuronsSeeded")) {
		t.Errorf("expected bootstrap output to report neuronsSeeded, got: %s", out)
	}

	if _, err := runCmd(t, root, "tag-project", "/repo", "demo"); err != nil {
		t.Fatalf("tag-project: %v", err)
	}

	out, err = runCmd(t, root, "projects", "demo")
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("/repo/a.go")) {
		t.Errorf("expected projects output to list the tagged neuron, got: %s", out)
	}
}

func TestDoctorReportsOKOnFreshStore(t *testing.T) {
	root := newTestRoot(t)
	out, err := runCmd(t, root, "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte(`"ok": true`)) && !bytes.Contains([]byte(out), []byte(`"OK": true`)) {
		t.Errorf("expected doctor output to report ok, got: %s", out)
	}
}

func TestUnknownSubcommandIsArgumentError(t *testing.T) {
	root := newTestRoot(t)
	_, err := runCmd(t, root, "not-a-real-verb")
	if err == nil {
		t.Fatal("expected an error for an unknown subcommand")
	}
	if got := exitCode(err); got != 2 {
		t.Errorf("exitCode(unknown subcommand) = %d, want 2", got)
	}
}
