// Command kernel is not meant to be run; it exists so that kernel/kmain is
// reachable from a main package, the same trampoline gopher-os' own boot.go
// uses to keep the Go compiler from treating the kernel entry point as dead
// code. The actual binary is produced by cross-compiling this package for
// GOOS=linux GOARCH=386 and linking it against the assembly bootstrap that
// sets up a stack and multiboot header outside of Go's build.
package main

import "nx32/kernel/kmain"

func main() {
	kmain.Kmain(0, 0, 0)
}
