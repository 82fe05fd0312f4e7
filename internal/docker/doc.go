// Package docker provides the Docker integration for the comfykit build
// command.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows) and daemon preflight via Ping
//   - Invoking `docker buildx build` as a child process with the pinned
//     build arguments from the build configuration
//
// The SDK client (github.com/docker/docker/client, with version
// negotiation enabled) is used only for the preflight check; the build
// itself shells out to buildx, which has no SDK equivalent.
package docker
