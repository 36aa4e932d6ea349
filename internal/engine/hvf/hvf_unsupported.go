//go:build !(darwin && arm64)

package hvf
