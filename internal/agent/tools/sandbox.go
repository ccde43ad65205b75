package tools

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sandboxMinAvailableBytes is the free-memory floor below which the Python
// sandbox is considered unavailable.
const sandboxMinAvailableBytes = 256 << 20

// Sandbox describes the outcome of the Python capability probe.
type Sandbox struct {
	Available  bool   `json:"available"`
	Reason     string `json:"reason,omitempty"`
	PythonPath string `json:"python_path,omitempty"`
}

var (
	sandboxOnce   sync.Once
	sandboxResult Sandbox
)

// SandboxAvailable reports whether the Python sandbox can run on this host.
// The probe runs once per process; the result is queryable independently of
// tool registration so a settings surface can disable the toggle.
func SandboxAvailable() Sandbox {
	sandboxOnce.Do(func() {
		sandboxResult = probeSandbox()
	})
	return sandboxResult
}

func probeSandbox() Sandbox {
	switch runtime.GOOS {
	case "linux", "darwin":
	default:
		return Sandbox{Reason: fmt.Sprintf("unsupported platform: %s", runtime.GOOS)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores < 2 {
		return Sandbox{Reason: "not enough CPU cores"}
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sandbox{Reason: fmt.Sprintf("memory probe failed: %v", err)}
	}
	if vm.Available < sandboxMinAvailableBytes {
		return Sandbox{Reason: fmt.Sprintf("insufficient free memory: %s available", humanSize(int64(vm.Available)))}
	}

	python, err := exec.LookPath("python3")
	if err != nil {
		return Sandbox{Reason: "python3 not found on PATH"}
	}
	return Sandbox{Available: true, PythonPath: python}
}
