package boxlite

import (
	"path/filepath"
	"testing"
)

func TestValidateRejectsRules(t *testing.T) {
	validDir := t.TempDir()

	base := func() BoxOptions {
		return BoxOptions{Image: "alpine:latest", CPUs: 1, MemoryMiB: 256}
	}

	cases := []struct {
		name string
		mod  func(*BoxOptions)
		code string
	}{
		{"missing image", func(o *BoxOptions) { o.Image = "" }, "ImageRequired"},
		{"cpus too high", func(o *BoxOptions) { o.CPUs = 999 }, "CPUs"},
		{"cpus zero", func(o *BoxOptions) { o.CPUs = 0 }, "CPUs"},
		{"memory too low", func(o *BoxOptions) { o.MemoryMiB = 64 }, "MemoryMiB"},
		{"memory too high", func(o *BoxOptions) { o.MemoryMiB = 1 << 20 }, "MemoryMiB"},
		{"disk out of range", func(o *BoxOptions) { o.DiskSizeGB = 2000 }, "DiskSizeGB"},
		{"working dir relative", func(o *BoxOptions) { o.WorkingDir = "rel/path" }, "WorkingDir"},
		{"env key empty", func(o *BoxOptions) { o.Env = []EnvVar{{Key: "", Value: "x"}} }, "Env"},
		{"env dup key", func(o *BoxOptions) { o.Env = []EnvVar{{Key: "A", Value: "1"}, {Key: "A", Value: "2"}} }, "Env"},
		{"volume relative host path", func(o *BoxOptions) {
			o.Volumes = []VolumeMount{{HostPath: "rel", GuestPath: "/m", Mode: MountReadOnly}}
		}, "Volumes"},
		{"volume host path missing", func(o *BoxOptions) {
			o.Volumes = []VolumeMount{{HostPath: filepath.Join(validDir, "does-not-exist"), GuestPath: "/m", Mode: MountReadOnly}}
		}, "Volumes"},
		{"volume bad mode", func(o *BoxOptions) {
			o.Volumes = []VolumeMount{{HostPath: validDir, GuestPath: "/m", Mode: "bogus"}}
		}, "Volumes"},
		{"port bad proto", func(o *BoxOptions) {
			o.Ports = []PortForward{{HostPort: 8080, GuestPort: 80, Proto: "bogus"}}
		}, "Ports"},
		{"port out of range", func(o *BoxOptions) {
			o.Ports = []PortForward{{HostPort: 70000, GuestPort: 80, Proto: ProtoTCP}}
		}, "Ports"},
		{"port dup host port", func(o *BoxOptions) {
			o.Ports = []PortForward{
				{HostPort: 8080, GuestPort: 80, Proto: ProtoTCP},
				{HostPort: 8080, GuestPort: 81, Proto: ProtoTCP},
			}
		}, "Ports"},
		{"name invalid chars", func(o *BoxOptions) { o.Name = "no spaces here" }, "Name"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base()
			tc.mod(&o)
			err := o.Validate(4)
			if err == nil {
				t.Fatalf("Validate: want error, got nil")
			}
			be, ok := err.(*Error)
			if !ok {
				t.Fatalf("Validate: want *Error, got %T", err)
			}
			if be.Kind != KindConfig {
				t.Fatalf("Kind = %v, want %v", be.Kind, KindConfig)
			}
			if be.Code != tc.code {
				t.Fatalf("Code = %q, want %q", be.Code, tc.code)
			}
		})
	}
}

func TestValidateAcceptsWellFormedOptions(t *testing.T) {
	o := BoxOptions{
		Name:      "web-1",
		Image:     "alpine:latest",
		CPUs:      2,
		MemoryMiB: 512,
		Env:       []EnvVar{{Key: "FOO", Value: "bar"}},
		Volumes:   []VolumeMount{{HostPath: t.TempDir(), GuestPath: "/data", Mode: MountReadWrite}},
		Ports:     []PortForward{{HostPort: 8080, GuestPort: 80, Proto: ProtoTCP}},
	}
	if err := o.Validate(4); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNormalizeImageRef(t *testing.T) {
	registries := []string{"docker.io"}
	cases := []struct {
		ref  string
		want string
	}{
		{"alpine", "docker.io/alpine:latest"},
		{"alpine:3.19", "docker.io/alpine:3.19"},
		{"library/alpine", "docker.io/library/alpine:latest"},
		{"ghcr.io/foo/bar", "ghcr.io/foo/bar:latest"},
		{"ghcr.io/foo/bar:v1", "ghcr.io/foo/bar:v1"},
		{"localhost:5000/foo", "localhost:5000/foo:latest"},
		{"alpine@sha256:abc", "docker.io/alpine@sha256:abc"},
	}
	for _, tc := range cases {
		got, err := normalizeImageRef(tc.ref, registries)
		if err != nil {
			t.Fatalf("normalizeImageRef(%q): %v", tc.ref, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeImageRef(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestNormalizeImageRefRejectsEmpty(t *testing.T) {
	if _, err := normalizeImageRef("", []string{"docker.io"}); err == nil {
		t.Fatal("normalizeImageRef(\"\"): want error, got nil")
	}
}
