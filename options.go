package boxlite

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/goombaio/namegenerator"
)

// MountMode is the access mode of a volume mount.
type MountMode string

const (
	MountReadOnly  MountMode = "ro"
	MountReadWrite MountMode = "rw"
)

// Proto is a port-forward transport protocol.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

// VolumeMount binds a host directory into the guest.
type VolumeMount struct {
	HostPath  string
	GuestPath string
	Mode      MountMode
}

// PortForward exposes a guest port on the host.
type PortForward struct {
	HostPort  int
	GuestPort int
	Proto     Proto
}

// EnvVar is a single (key, value) environment entry. A slice preserves
// ordering, matching the Box record's "ordered list of (k,v)" in spec.md §3.
type EnvVar struct {
	Key   string
	Value string
}

// BoxOptions describes a box to be created. It is validated in full before
// any state is persisted — see Validate.
type BoxOptions struct {
	Name         string
	Image        string
	CPUs         int
	MemoryMiB    int
	DiskSizeGB   int // 0 means unset
	WorkingDir   string
	Env          []EnvVar
	Volumes      []VolumeMount
	Ports        []PortForward
	User         string
	Cmd          []string
	AutoRemove   bool
	StartOnCreate bool
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

var nameGen = namegenerator.NewNameGenerator(0)

// defaultName mirrors the teacher's use of goombaio/namegenerator to mint a
// human-readable name when the caller leaves Name empty.
func defaultName() string {
	return nameGen.Generate()
}

// Validate enforces every rule enumerated in spec.md §4.8. It never mutates
// o; callers should assign the result of normalization helpers explicitly.
func (o *BoxOptions) Validate(hostCPUs int) error {
	if strings.TrimSpace(o.Image) == "" {
		return configErrf("ImageRequired", "image must be set")
	}
	if o.CPUs < 1 || o.CPUs > hostCPUs {
		return configErrf("CPUs", "cpus must be in [1, %d], got %d", hostCPUs, o.CPUs)
	}
	if o.MemoryMiB < 128 || o.MemoryMiB > 65536 {
		return configErrf("MemoryMiB", "memory_mib must be in [128, 65536], got %d", o.MemoryMiB)
	}
	if o.DiskSizeGB != 0 && (o.DiskSizeGB < 1 || o.DiskSizeGB > 1024) {
		return configErrf("DiskSizeGB", "disk_size_gb must be in [1, 1024] if set, got %d", o.DiskSizeGB)
	}
	if o.WorkingDir != "" && !filepath.IsAbs(o.WorkingDir) {
		return configErrf("WorkingDir", "working_dir must be an absolute path, got %q", o.WorkingDir)
	}
	seenEnv := map[string]struct{}{}
	for _, e := range o.Env {
		if e.Key == "" {
			return configErrf("Env", "env keys must be non-empty")
		}
		if strings.ContainsRune(e.Key, 0) || strings.ContainsRune(e.Value, 0) {
			return configErrf("Env", "env key/value must not contain NUL: key %q", e.Key)
		}
		if _, dup := seenEnv[e.Key]; dup {
			return configErrf("Env", "duplicate env key %q", e.Key)
		}
		seenEnv[e.Key] = struct{}{}
	}
	for _, v := range o.Volumes {
		if !filepath.IsAbs(v.HostPath) {
			return configErrf("Volumes", "volume host_path must be absolute, got %q", v.HostPath)
		}
		if _, err := os.Stat(v.HostPath); err != nil {
			if os.IsNotExist(err) {
				return configErrf("Volumes", "volume host_path %q does not exist", v.HostPath)
			}
			return configErrf("Volumes", "volume host_path %q: %v", v.HostPath, err)
		}
		if v.Mode != MountReadOnly && v.Mode != MountReadWrite {
			return configErrf("Volumes", "volume mode must be ro or rw, got %q", v.Mode)
		}
	}
	seenPorts := map[int]struct{}{}
	for _, p := range o.Ports {
		if p.Proto != ProtoTCP && p.Proto != ProtoUDP {
			return configErrf("Ports", "port proto must be tcp or udp, got %q", p.Proto)
		}
		if p.HostPort < 1 || p.HostPort > 65535 {
			return configErrf("Ports", "host_port must be in [1, 65535], got %d", p.HostPort)
		}
		if _, dup := seenPorts[p.HostPort]; dup {
			return configErrf("Ports", "duplicate host_port %d in options", p.HostPort)
		}
		seenPorts[p.HostPort] = struct{}{}
	}
	if o.Name != "" && !nameRE.MatchString(o.Name) {
		return configErrf("Name", "name %q does not match %s", o.Name, nameRE.String())
	}
	return nil
}

// HostCPUs returns the number of logical CPUs available for validating the
// cpus option, matching the teacher's direct use of runtime.NumCPU() (see
// applecontainer's ManagementOptions.CPUs handling) rather than a
// configurable cap.
func HostCPUs() int {
	return runtime.NumCPU()
}

// RuntimeOptions configures a Runtime at Open time.
type RuntimeOptions struct {
	HomeDir    string
	Registries []string
}

// normalizeImageRef applies the ImageRef normalization rule from spec.md §3:
// missing registry ⇒ first configured registry; missing tag ⇒ "latest".
func normalizeImageRef(ref string, registries []string) (string, error) {
	if ref == "" {
		return "", configErrf("ImageRequired", "image ref must not be empty")
	}
	repo, tagOrDigest, hasTagOrDigest := splitRefSuffix(ref)
	registry := ""
	if slash := strings.Index(repo, "/"); slash >= 0 && looksLikeRegistry(repo[:slash]) {
		registry = repo[:slash]
		repo = repo[slash+1:]
	} else if len(registries) > 0 {
		registry = registries[0]
	}
	if !hasTagOrDigest {
		tagOrDigest = ":latest"
	}
	if registry == "" {
		return fmt.Sprintf("%s%s", repo, tagOrDigest), nil
	}
	return fmt.Sprintf("%s/%s%s", registry, repo, tagOrDigest), nil
}

func looksLikeRegistry(s string) bool {
	return strings.ContainsAny(s, ".:") || s == "localhost"
}

func splitRefSuffix(ref string) (repo string, suffix string, has bool) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i:], true
	}
	// A ':' after the last '/' is a tag; one before it is a registry port.
	lastSlash := strings.LastIndex(ref, "/")
	rest := ref[lastSlash+1:]
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return ref[:lastSlash+1+i], rest[i:], true
	}
	return ref, "", false
}
