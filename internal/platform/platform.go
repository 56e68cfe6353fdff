// Package platform detects the host family and filesystems where file
// watching cannot be trusted.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host family.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform

	procVersionPath = "/proc/version"
	procMountsPath  = "/proc/mounts"
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() { detected = detect(runtime.GOOS) })
	return detected
}

func detect(goos string) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "linux":
	default:
		return PlatformUnknown
	}

	version, _ := os.ReadFile(procVersionPath)
	v := string(version)
	isWSL := os.Getenv("WSL_DISTRO_NAME") != "" || strings.Contains(strings.ToLower(v), "microsoft")
	if !isWSL {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(v, "microsoft-standard") {
		return PlatformWSL2
	}
	if _, err := os.Stat("/run/WSL"); err == nil {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// WatchWarning returns a message when path sits on a filesystem where
// fsnotify events are unreliable (9p, NFS, CIFS, SSHFS), or "".
func WatchWarning(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile(procMountsPath)
	if err != nil {
		return ""
	}
	return watchWarningFor(abs, string(mounts))
}

func watchWarningFor(abs, mounts string) string {
	var mountPoint, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mp := fields[1]
		if !strings.HasPrefix(abs, mp) || len(mp) <= len(mountPoint) {
			continue
		}
		if mp != "/" && abs != mp && !strings.HasPrefix(abs, mp+"/") {
			continue
		}
		mountPoint, fsType = mp, fields[2]
	}

	switch {
	case fsType == "9p":
		return "config directory is on a 9p mount (WSL2 Windows filesystem): config changes may not reload until restart"
	case fsType == "nfs" || fsType == "nfs4":
		return "config directory is on NFS: config reload may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "config directory is on CIFS/SMB: config reload may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config directory is on SSHFS: config changes may not reload until restart"
	}
	return ""
}
