package platform

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var driveLetter = regexp.MustCompile(`^[A-Za-z]:$`)

// VolumeResolver maps boot-configuration device references to filesystem roots.
type VolumeResolver interface {
	// Root returns a path through which the device's files can be read, and
	// whether the device exists at all.
	Root(device string) (string, bool)
}

// OSVolumeResolver resolves devices against the live volume topology. Aliases
// remap drive letters (or NT device names) to roots, which the recovery shell
// needs when letters differ from the installed system.
type OSVolumeResolver struct {
	Aliases map[string]string
}

// Root implements VolumeResolver. Recognized forms are "partition=C:",
// "partition=\Device\HarddiskVolume3", a bare "C:" and "boot".
func (r OSVolumeResolver) Root(device string) (string, bool) {
	ref := strings.TrimSpace(device)
	if strings.HasPrefix(strings.ToLower(ref), "partition=") {
		ref = ref[len("partition="):]
	}
	if strings.EqualFold(ref, "boot") {
		ref = os.Getenv("SystemDrive")
		if ref == "" {
			return "", false
		}
	}
	for k, v := range r.Aliases {
		if strings.EqualFold(k, ref) {
			return v, dirExists(v)
		}
	}
	switch {
	case driveLetter.MatchString(ref):
		root := strings.ToUpper(ref) + `\`
		return root, dirExists(root)
	case strings.HasPrefix(strings.ToLower(ref), `\device\`):
		root := `\\?\GLOBALROOT` + ref + `\`
		return root, dirExists(root)
	default:
		// "unknown", "locate=..." and ramdisk references cannot be resolved.
		return "", false
	}
}

// ResolvePath joins a device root and a boot-configuration path such as
// "\Windows\system32\winload.efi".
func ResolvePath(root, bcdPath string) string {
	rel := strings.TrimLeft(strings.ReplaceAll(bcdPath, `\`, "/"), "/")
	return filepath.Join(root, filepath.FromSlash(rel))
}

// NormalizePath converts catalog paths written with either separator to the
// native form.
func NormalizePath(p string) string {
	return filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool { return dirExists(path) }

// SameDir compares two directory paths case-insensitively after cleaning.
func SameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(NormalizePath(a), NormalizePath(b))
}
