//go:build !windows

package supervisor

func recoverConsole() {}
