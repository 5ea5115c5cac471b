//go:build tools

// Package tools pins the lint toolchain used on the relay so every checkout
// lints with the same version: go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
