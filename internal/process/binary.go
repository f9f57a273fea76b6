package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// BinaryName is the engine executable looked up on PATH when no bundled copy exists.
const BinaryName = "xray"

// PlatformBinary returns the bundled engine path under coreDir for goos.
func PlatformBinary(coreDir, goos string) string {
	switch goos {
	case "windows":
		return filepath.Join(coreDir, "win", BinaryName+".exe")
	case "linux":
		return filepath.Join(coreDir, "linux", BinaryName)
	case "darwin":
		return filepath.Join(coreDir, "macos", BinaryName)
	default:
		return ""
	}
}

// ResolveBinary picks the engine executable: the bundled platform binary if it
// exists, else the PATH-resolved BinaryName. The bare name is returned when
// nothing is found so the launch fails with a clear error.
func ResolveBinary(coreDir string) string {
	if p := PlatformBinary(coreDir, runtime.GOOS); p != "" {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	if p, err := exec.LookPath(BinaryName); err == nil {
		return p
	}
	return BinaryName
}
