//go:build !linux

package disk

func watchSupported(string) bool { return true }
