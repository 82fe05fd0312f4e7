package pip

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// fakeInstaller records install invocations and fails for requirements
// files whose content matches failOn.
type fakeInstaller struct {
	mu          sync.Mutex
	failOn      string
	calls       []string // requirements file paths
	constraints []string // constraints file path per call
}

func (f *fakeInstaller) Install(ctx context.Context, reqFile, constraintsFile string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, reqFile)
	f.constraints = append(f.constraints, constraintsFile)
	f.mu.Unlock()

	data, err := os.ReadFile(reqFile)
	if err != nil {
		return nil, err
	}
	if f.failOn != "" && string(data) == f.failOn {
		return []byte("ERROR: No matching distribution found\n"), errors.New("pip install failed: exit status 1")
	}
	return []byte("Successfully installed\n"), nil
}

// seedNode creates a fetched-looking node directory, optionally with a
// requirements file holding content.
func seedNode(t *testing.T, nodesRoot, dir, requirements string) {
	t.Helper()
	p := filepath.Join(nodesRoot, dir)
	require.NoError(t, os.MkdirAll(p, 0o755))
	if requirements != "" {
		require.NoError(t, os.WriteFile(filepath.Join(p, RequirementsName), []byte(requirements), 0o644))
	}
}

func newPhase(t *testing.T, inst Installer) *Phase {
	t.Helper()
	root := t.TempDir()
	return &Phase{
		Installer: inst,
		NodesRoot: filepath.Join(root, "custom_nodes"),
		LogDir:    filepath.Join(root, "logs"),
		Jobs:      1,
	}
}

// TestPhase_SkipWithoutRequirements verifies the severity policy's Ok tier:
// an entry with no requirements file is Ok — never Failed, never Warned —
// and the installer is not invoked for it.
func TestPhase_SkipWithoutRequirements(t *testing.T) {
	inst := &fakeInstaller{}
	p := newPhase(t, inst)
	seedNode(t, p.NodesRoot, "nodeA", "")

	m := model.Manifest{{RepositoryURL: "https://good/a.git", TargetDir: "nodeA"}}
	outcomes := p.Run(context.Background(), m)

	require.Len(t, outcomes, 1)
	assert.Equal(t, model.StatusOk, outcomes[0].Status)
	assert.Empty(t, inst.calls, "installer must not run without a requirements file")

	var s model.RunSummary
	s.Record(outcomes[0])
	assert.Zero(t, s.InstallFailures)
	assert.Empty(t, s.WarnedNames)
}

// TestPhase_FailureIsolation verifies that one failing install is recorded
// and the pass continues with the remaining entries.
func TestPhase_FailureIsolation(t *testing.T) {
	inst := &fakeInstaller{failOn: "torch-gpu==9.9.9\n"}
	p := newPhase(t, inst)
	seedNode(t, p.NodesRoot, "nodeA", "numpy\n")
	seedNode(t, p.NodesRoot, "nodeB", "torch-gpu==9.9.9\n")
	seedNode(t, p.NodesRoot, "nodeC", "pillow\n")

	m := model.Manifest{
		{RepositoryURL: "https://good/a.git", TargetDir: "nodeA"},
		{RepositoryURL: "https://good/b.git", TargetDir: "nodeB"},
		{RepositoryURL: "https://good/c.git", TargetDir: "nodeC"},
	}
	outcomes := p.Run(context.Background(), m)

	assert.Equal(t, model.StatusOk, outcomes[0].Status)
	assert.Equal(t, model.StatusFailed, outcomes[1].Status)
	assert.Equal(t, model.StatusOk, outcomes[2].Status, "a failed install must not abort the batch")
	assert.Len(t, inst.calls, 3)

	// The failed entry's raw pip output must be inspectable post hoc.
	data, err := os.ReadFile(outcomes[1].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "No matching distribution")
}

// TestPhase_ConstraintsAppliedUniformly verifies that the shared
// constraints file reaches every installer invocation in the pass.
func TestPhase_ConstraintsAppliedUniformly(t *testing.T) {
	inst := &fakeInstaller{}
	p := newPhase(t, inst)
	p.ConstraintsFile = "/tmp/constraints.txt"
	seedNode(t, p.NodesRoot, "nodeA", "numpy\n")
	seedNode(t, p.NodesRoot, "nodeB", "pillow\n")

	m := model.Manifest{
		{RepositoryURL: "https://good/a.git", TargetDir: "nodeA"},
		{RepositoryURL: "https://good/b.git", TargetDir: "nodeB"},
	}
	p.Run(context.Background(), m)

	require.Len(t, inst.constraints, 2)
	for _, c := range inst.constraints {
		assert.Equal(t, "/tmp/constraints.txt", c)
	}
}

// TestPhase_InstallFile verifies the prerequisite install of the host
// application's own requirements: a standalone file, logged under the
// given name, failure reported like any install failure.
func TestPhase_InstallFile(t *testing.T) {
	inst := &fakeInstaller{failOn: "broken\n"}
	p := newPhase(t, inst)

	appReq := filepath.Join(t.TempDir(), RequirementsName)
	require.NoError(t, os.WriteFile(appReq, []byte("torch\n"), 0o644))

	outcome := p.InstallFile(context.Background(), "ComfyUI", appReq)
	assert.Equal(t, model.StatusOk, outcome.Status)
	assert.Equal(t, filepath.Join(p.LogDir, "install_ComfyUI.log"), outcome.LogPath)

	require.NoError(t, os.WriteFile(appReq, []byte("broken\n"), 0o644))
	outcome = p.InstallFile(context.Background(), "ComfyUI", appReq)
	assert.Equal(t, model.StatusFailed, outcome.Status)
}

// TestPhase_OrderPreserved verifies that outcomes come back in manifest
// order even with several workers.
func TestPhase_OrderPreserved(t *testing.T) {
	inst := &fakeInstaller{}
	p := newPhase(t, inst)
	p.Jobs = 4

	var m model.Manifest
	for _, d := range []string{"n1", "n2", "n3", "n4", "n5"} {
		seedNode(t, p.NodesRoot, d, "numpy\n")
		m = append(m, model.ManifestEntry{RepositoryURL: "https://host/" + d + ".git", TargetDir: d})
	}

	outcomes := p.Run(context.Background(), m)
	require.Len(t, outcomes, len(m))
	for i, o := range outcomes {
		assert.Equal(t, m[i].TargetDir, o.Entry.TargetDir)
	}
}
