// Package manifest loads custom-node provisioning manifests.
//
// Two on-disk formats are supported:
//
//   - Plain text (the classic format): one entry per line,
//     "<repository-url> <target-dir> [--recursive]". Lines starting with
//     "#" and blank lines are ignored, trailing carriage returns are
//     stripped (CRLF manifests work), and lines with fewer than two fields
//     are silently skipped — permissive batch semantics.
//   - JSONC node packs (*.json / *.jsonc): an array of
//     {"repo": ..., "dir": ..., "recursive": ...} objects. JSON node lists
//     are common in the ComfyUI ecosystem, and JSONC allows the comments
//     people inevitably put in them. Comments are stripped with
//     github.com/tidwall/jsonc before parsing with encoding/json.
//
// A manifest may also be loaded from an http(s) URL; the body is parsed
// with the same format detection applied to the URL path.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// recursiveFlag is the literal third field that marks an entry for a
// submodule-recursive clone.
const recursiveFlag = "--recursive"

// httpTimeout bounds the remote manifest download. Manifests are small
// text files; anything slower than this indicates a broken source.
const httpTimeout = 30 * time.Second

// LoadFile reads and parses a manifest from a local file.
//
// A missing, unreadable, or empty file is a configuration error (the run
// must not start without its manifest). An existing file that parses to
// zero entries is fine — an empty batch is a valid, if pointless, run.
func LoadFile(filePath string) (model.Manifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is unavailable", filePath), err)
	}
	if len(data) == 0 {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is empty", filePath))
	}
	return parse(filePath, data)
}

// LoadURL downloads and parses a manifest from an http(s) URL.
//
// Any transport error, non-200 status, or empty body is a configuration
// error: a run without a manifest has nothing to do.
func LoadURL(rawURL string) (model.Manifest, error) {
	client := &http.Client{Timeout: httpTimeout}

	resp, err := client.Get(rawURL)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is unavailable", rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is unavailable: HTTP %d", rawURL, resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s could not be read", rawURL), err)
	}
	if len(data) == 0 {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is empty", rawURL))
	}
	return parse(rawURL, data)
}

// parse dispatches on the source name's extension: .json/.jsonc sources
// are node packs, everything else is the plain-text line format.
func parse(source string, data []byte) (model.Manifest, error) {
	switch strings.ToLower(path.Ext(source)) {
	case ".json", ".jsonc":
		return parseNodePack(source, data)
	default:
		return parseText(data)
	}
}

// parseText parses the plain-text line format. It never returns an error:
// malformed lines are skipped by design, matching the permissive behavior
// of the shell loop this replaces.
func parseText(data []byte) (model.Manifest, error) {
	var m model.Manifest

	for _, line := range strings.Split(string(data), "\n") {
		// Tolerate CRLF manifests: strip the trailing carriage return
		// before any other processing.
		line = strings.TrimSuffix(line, "\r")
		line = strings.TrimSpace(line)

		// Blank lines and comments are not entries.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Split on arbitrary whitespace. Fewer than two fields is not an
		// entry and not an error either — the line is silently skipped.
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		entry := model.ManifestEntry{
			RepositoryURL: fields[0],
			TargetDir:     fields[1],
		}
		if len(fields) >= 3 && fields[2] == recursiveFlag {
			entry.Recursive = true
		}

		if err := model.ValidateTargetDir(entry.TargetDir); err != nil {
			// A target directory that could escape the custom-nodes root is
			// not merely malformed, it is dangerous: the fetch phase does a
			// destructive remove of the target path. Reject the manifest.
			return nil, model.WrapCLIError(model.ExitConfigError, "invalid manifest entry", err)
		}

		m = append(m, entry)
	}

	return m, nil
}

// parseNodePack parses the JSONC node-pack format: an array of entry
// objects. Unlike the text format, malformed JSON is an error — a node
// pack is a deliberate document, not a loose line collection.
func parseNodePack(source string, data []byte) (model.Manifest, error) {
	var entries []model.ManifestEntry
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("manifest %s is not a valid node pack", source), err)
	}

	m := make(model.Manifest, 0, len(entries))
	for _, entry := range entries {
		if entry.RepositoryURL == "" {
			return nil, model.NewCLIError(model.ExitConfigError,
				fmt.Sprintf("manifest %s: entry %q has no repository URL", source, entry.TargetDir))
		}
		if err := model.ValidateTargetDir(entry.TargetDir); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "invalid manifest entry", err)
		}
		m = append(m, entry)
	}

	return m, nil
}
