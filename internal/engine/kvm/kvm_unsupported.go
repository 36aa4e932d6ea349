//go:build !linux

package kvm
