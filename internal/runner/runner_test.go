package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/comfykit/internal/config"
	"github.com/mmr-tortoise/comfykit/internal/fetch"
	"github.com/mmr-tortoise/comfykit/internal/model"
)

// recorder captures phase events in completion order so tests can assert
// cross-phase sequencing (all fetches before any install).
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// fakeFetcher materializes fake checkouts. requirements maps a repository
// URL to the requirements.txt content the checkout should contain; URLs in
// fail simulate unreachable hosts.
type fakeFetcher struct {
	rec          *recorder
	fail         map[string]bool
	requirements map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, dest string, opts fetch.Options) ([]byte, error) {
	f.rec.add("fetch " + filepath.Base(dest))
	if f.fail[url] {
		return []byte("fatal: unable to access '" + url + "'\n"), errors.New("git clone failed")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	// Every fake checkout is a proper Python package so the probe phase
	// exercises the prober instead of warning about missing candidates.
	if err := os.WriteFile(filepath.Join(dest, "__init__.py"), []byte("pass\n"), 0o644); err != nil {
		return nil, err
	}
	if req, ok := f.requirements[url]; ok {
		if err := os.WriteFile(filepath.Join(dest, "requirements.txt"), []byte(req), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte("Cloning into '" + dest + "'...\n"), nil
}

// fakeInstaller fails for requirements content listed in failOn.
type fakeInstaller struct {
	rec    *recorder
	failOn string
}

func (f *fakeInstaller) Install(ctx context.Context, reqFile, constraintsFile string) ([]byte, error) {
	f.rec.add("install " + filepath.Base(filepath.Dir(reqFile)))
	data, err := os.ReadFile(reqFile)
	if err != nil {
		return nil, err
	}
	if f.failOn != "" && string(data) == f.failOn {
		return []byte("ERROR: no matching distribution\n"), errors.New("pip install failed")
	}
	return []byte("Successfully installed\n"), nil
}

// fakeProber warns for every module unless listed in importable.
type fakeProber struct {
	rec        *recorder
	importable map[string]bool
}

func (f *fakeProber) TryImport(ctx context.Context, searchPath, module string) ([]byte, error) {
	f.rec.add("probe " + module)
	if f.importable[module] {
		return nil, nil
	}
	return []byte("ModuleNotFoundError\n"), errors.New("import failed")
}

// testRunner assembles a Runner over fakes, returning the summary output
// buffer and the shared event recorder.
func testRunner(t *testing.T, cfg *config.Run, f *fakeFetcher, inst *fakeInstaller, pr *fakeProber) (*Runner, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	r := &Runner{
		Config:    cfg,
		Fetcher:   f,
		Installer: inst,
		Prober:    pr,
		Log:       log.New(io.Discard),
		Out:       out,
	}
	return r, out
}

func testConfig(t *testing.T, manifestContent string, jobs int) *config.Run {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "nodes.txt")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestContent), 0o644))
	return &config.Run{
		WorkRoot:     filepath.Join(dir, "work"),
		AppRepoURL:   "https://github.com/comfyanonymous/ComfyUI.git",
		ManifestPath: manifestPath,
		Jobs:         jobs,
	}
}

// TestRunner_MixedManifest drives the canonical end-to-end scenario: one
// good node, one unreachable repository, a comment, a blank line, and a
// recursive entry. The bad entry must not stop the batch, and the run must
// finish with the provisioning-failed exit code.
func TestRunner_MixedManifest(t *testing.T) {
	cfg := testConfig(t, `https://good/repo.git nodeA
https://bad/repo.git nodeB
# comment

https://good2/repo.git nodeC --recursive
`, 1)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec,
		fail:         map[string]bool{"https://bad/repo.git": true},
		requirements: map[string]string{"https://good/repo.git": "numpy\n"},
	}
	inst := &fakeInstaller{rec: rec}
	pr := &fakeProber{rec: rec, importable: map[string]bool{"nodeA": true, "nodeC": true}}

	r, out := testRunner(t, cfg, f, inst, pr)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Entries, "comment and blank line are not entries")
	assert.Equal(t, 1, summary.FetchFailures)
	assert.Equal(t, 0, summary.InstallFailures)
	assert.Equal(t, model.ExitProvisionFailed, summary.ExitCode())

	// nodeC was still fetched after nodeB failed.
	assert.DirExists(t, filepath.Join(cfg.NodesRoot(), "nodeC"))
	// The failed clone's raw output is inspectable post hoc.
	assert.FileExists(t, filepath.Join(cfg.LogDir(), "fetch_nodeB.log"))

	text := out.String()
	assert.Contains(t, text, "Fetch failures:   1")
	assert.Contains(t, text, cfg.LogDir())
}

// TestRunner_InstallStartsAfterAllFetches verifies the cross-phase
// invariant under parallelism: every fetch event precedes every install
// event, because installs depend on fully fetched trees.
func TestRunner_InstallStartsAfterAllFetches(t *testing.T) {
	cfg := testConfig(t, `https://h/a.git nodeA
https://h/b.git nodeB
https://h/c.git nodeC
`, 4)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec, requirements: map[string]string{
		"https://h/a.git": "numpy\n",
		"https://h/b.git": "pillow\n",
		"https://h/c.git": "scipy\n",
	}}
	inst := &fakeInstaller{rec: rec}
	pr := &fakeProber{rec: rec}

	r, _ := testRunner(t, cfg, f, inst, pr)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	lastFetch, firstInstall := -1, len(rec.events)
	for i, e := range rec.events {
		if strings.HasPrefix(e, "fetch node") && i > lastFetch {
			lastFetch = i
		}
		if strings.HasPrefix(e, "install node") && i < firstInstall {
			firstInstall = i
		}
	}
	require.GreaterOrEqual(t, lastFetch, 0)
	require.Less(t, firstInstall, len(rec.events))
	assert.Less(t, lastFetch, firstInstall, "no install may start before the last fetch: %v", rec.events)
}

// TestRunner_ImportWarningsExitZero verifies the lenient tier: a GPU-only
// plugin that fails every import candidate is Warned, listed by name, and
// the run still exits 0 when fetch and install succeeded.
func TestRunner_ImportWarningsExitZero(t *testing.T) {
	cfg := testConfig(t, "https://h/gpu.git gpu-node\n", 1)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec, requirements: map[string]string{"https://h/gpu.git": "torch\n"}}
	inst := &fakeInstaller{rec: rec}
	pr := &fakeProber{rec: rec} // nothing importable

	r, _ := testRunner(t, cfg, f, inst, pr)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ImportWarnings)
	assert.Equal(t, []string{"gpu-node"}, summary.WarnedNames)
	assert.Equal(t, model.ExitSuccess, summary.ExitCode())
}

// TestRunner_ProbesUnmanifestedDirs verifies that a directory placed under
// the custom-nodes root by hand is probed even though no manifest entry
// mentions it.
func TestRunner_ProbesUnmanifestedDirs(t *testing.T) {
	cfg := testConfig(t, "https://h/a.git nodeA\n", 1)

	manual := filepath.Join(cfg.NodesRoot(), "manual-node")
	require.NoError(t, os.MkdirAll(manual, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(manual, "__init__.py"), []byte("pass\n"), 0o644))

	rec := &recorder{}
	f := &fakeFetcher{rec: rec}
	inst := &fakeInstaller{rec: rec}
	pr := &fakeProber{rec: rec, importable: map[string]bool{"manual-node": true}}

	r, _ := testRunner(t, cfg, f, inst, pr)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ProbedDirs, "manual-node and nodeA must both be probed")
	assert.FileExists(t, filepath.Join(cfg.LogDir(), "import_sanity.log"))
}

// TestRunner_AppInstallFailureCountsButContinues verifies the prerequisite
// install of the application's own requirements: its failure is an install
// failure in the summary, and the manifest batch still runs.
func TestRunner_AppInstallFailureCountsButContinues(t *testing.T) {
	cfg := testConfig(t, "https://h/a.git nodeA\n", 1)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec, requirements: map[string]string{cfg.AppRepoURL: "torch==broken\n"}}
	inst := &fakeInstaller{rec: rec, failOn: "torch==broken\n"}
	pr := &fakeProber{rec: rec, importable: map[string]bool{"nodeA": true}}

	r, _ := testRunner(t, cfg, f, inst, pr)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.InstallFailures)
	assert.Equal(t, model.ExitProvisionFailed, summary.ExitCode())
	assert.DirExists(t, filepath.Join(cfg.NodesRoot(), "nodeA"), "batch must continue past the prerequisite failure")
}

// TestRunner_AppFetchFailureAborts verifies that when the application
// itself cannot be cloned, the run aborts with the provisioning exit code:
// there is no custom-nodes root to continue into.
func TestRunner_AppFetchFailureAborts(t *testing.T) {
	cfg := testConfig(t, "https://h/a.git nodeA\n", 1)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec, fail: map[string]bool{cfg.AppRepoURL: true}}
	r, _ := testRunner(t, cfg, f, &fakeInstaller{rec: rec}, &fakeProber{rec: rec})

	summary, err := r.Run(context.Background())
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitProvisionFailed, cliErr.Code)
	assert.Equal(t, 1, summary.FetchFailures)
}

// TestRunner_MissingManifestIsConfigError verifies that an unavailable
// manifest aborts before any phase runs, with exit code 1.
func TestRunner_MissingManifestIsConfigError(t *testing.T) {
	cfg := testConfig(t, "", 1)
	cfg.ManifestPath = filepath.Join(t.TempDir(), "missing.txt")

	rec := &recorder{}
	f := &fakeFetcher{rec: rec}
	r, _ := testRunner(t, cfg, f, &fakeInstaller{rec: rec}, &fakeProber{rec: rec})

	_, err := r.Run(context.Background())
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitConfigError, cliErr.Code)
	assert.Empty(t, rec.events, "no phase may run on a configuration error")
}

// TestRunner_ReusesExistingAppCheckout verifies that a second run against
// the same work root does not re-clone the application.
func TestRunner_ReusesExistingAppCheckout(t *testing.T) {
	cfg := testConfig(t, "https://h/a.git nodeA\n", 1)

	rec := &recorder{}
	f := &fakeFetcher{rec: rec}
	inst := &fakeInstaller{rec: rec}
	pr := &fakeProber{rec: rec, importable: map[string]bool{"nodeA": true}}
	r, _ := testRunner(t, cfg, f, inst, pr)

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	appFetches := 0
	for _, e := range rec.events {
		if e == "fetch "+cfg.AppName() {
			appFetches++
		}
	}
	assert.Equal(t, 1, appFetches, "application must be cloned once, then reused")
}
