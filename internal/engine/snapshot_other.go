//go:build !unix

package engine

func fillPlatform(*ResourceSnapshot) {}
