//go:build !unix

package envinfo

func kernelRelease() string { return "" }
