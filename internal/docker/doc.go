// Package docker runs pipeline commands inside a build container when
// bindci is started with --image (or BINDCI_IMAGE).
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - The per-run build container: image pull, creation with the workspace
//     bind-mounted at its host path, and forced removal
//   - ContainerRunner, the executor.Runner that turns each exec step into
//     a `docker exec`
//   - Labels that mark bindci containers, so `bindci clean` can find ones
//     a crashed run left behind
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
