package detections

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// DefaultLibraryPath returns the platform library name under lib/.
func DefaultLibraryPath() string {
	libName := "libonnxruntime.so"
	if runtime.GOOS == "darwin" {
		libName = "libonnxruntime.dylib"
	} else if runtime.GOOS == "windows" {
		libName = "onnxruntime.dll"
	}
	return filepath.Join("lib", libName)
}

// InitRuntime loads the onnxruntime shared library and initialises the
// process-wide environment.
func InitRuntime(libPath string) error {
	if libPath == "" {
		libPath = DefaultLibraryPath()
	}
	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("onnxruntime library not found: %s: %w", libPath, err)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	return nil
}

func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
