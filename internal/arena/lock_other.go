//go:build !linux

package arena

import "runtime"

func futexWait(*uint32, uint32) { runtime.Gosched() }

func futexWake(*uint32, int) {}
