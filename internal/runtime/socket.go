// ABOUTME: Container runtime socket discovery for Docker, Colima, and Podman
// ABOUTME: Resolves the Docker API host when the config leaves it empty

package runtime

import (
	"os"
	"path/filepath"
)

// Socket is a container runtime API socket on the local filesystem.
type Socket struct {
	Runtime string // "colima", "docker", "podman"
	Path    string
}

func (s Socket) Host() string {
	return "unix://" + s.Path
}

// Candidates lists known socket locations in priority order: Colima, Docker, rootless
// Podman, then system Podman.
func Candidates(home, runtimeDir string) []Socket {
	var out []Socket
	if home != "" {
		out = append(out, Socket{Runtime: "colima", Path: filepath.Join(home, ".colima", "default", "docker.sock")})
	}
	out = append(out, Socket{Runtime: "docker", Path: "/var/run/docker.sock"})
	if runtimeDir != "" {
		out = append(out, Socket{Runtime: "podman", Path: filepath.Join(runtimeDir, "podman", "podman.sock")})
	}
	out = append(out, Socket{Runtime: "podman", Path: "/run/podman/podman.sock"})
	return out
}

// Detect returns the first candidate socket that exists, or nil.
func Detect() *Socket {
	return detect(Candidates(os.Getenv("HOME"), os.Getenv("XDG_RUNTIME_DIR")), exists)
}

func detect(candidates []Socket, present func(string) bool) *Socket {
	for _, s := range candidates {
		if present(s.Path) {
			return &s
		}
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// ResolveHost picks the Docker API host: the configured value, then DOCKER_HOST, then
// a detected socket. An empty result leaves the Docker client on its own default.
func ResolveHost(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("DOCKER_HOST"); env != "" {
		return env
	}
	if s := Detect(); s != nil {
		return s.Host()
	}
	return ""
}
