//go:build !linux

package version

import "runtime"

func hostKernel() (name, version, arch string) {
	return runtime.GOOS, "unknown", runtime.GOARCH
}

func GetEffectiveCaps() string {
	return "unknown"
}
