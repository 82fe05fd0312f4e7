// build.go loads the YAML build configuration for the build command.
// The file pins everything that defines the GPU image — base image,
// Python/CUDA/Torch versions — as named build arguments, so version bumps
// are reviewable diffs rather than edits to a shell script.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// Build describes one image build.
//
// Example build.yaml:
//
//	image: ghcr.io/example/comfy:cu124-torch24
//	dockerfile: docker/Dockerfile
//	context: .
//	platform: linux/amd64
//	buildArgs:
//	  CUDA_VERSION: "12.4.1"
//	  PYTHON_VERSION: "3.11"
//	  TORCH_VERSION: "2.4.0"
type Build struct {
	// Image is the tag the built image is labeled with.
	Image string `yaml:"image"`

	// Dockerfile is the Dockerfile path, relative to the config file's
	// directory unless absolute.
	Dockerfile string `yaml:"dockerfile"`

	// Context is the build context directory. Defaults to ".".
	Context string `yaml:"context"`

	// Platform optionally pins the target platform (e.g. linux/amd64).
	Platform string `yaml:"platform"`

	// Push uploads the image to its registry after a successful build.
	Push bool `yaml:"push"`

	// BuildArgs are passed to the builder as named --build-arg values.
	// This is the version-pinning surface: OS, Python, CUDA, Torch.
	BuildArgs map[string]string `yaml:"buildArgs"`
}

// LoadBuild reads and validates a build configuration file.
func LoadBuild(path string) (*Build, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("build config %s is unavailable", path), err)
	}

	cfg := &Build{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("build config %s is not valid YAML", path), err)
	}

	if cfg.Image == "" {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("build config %s: image is required", path))
	}
	if cfg.Dockerfile == "" {
		return nil, model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("build config %s: dockerfile is required", path))
	}
	if cfg.Context == "" {
		cfg.Context = "."
	}

	return cfg, nil
}
