//go:build tools

// Package tools pins code generators to the versions recorded in go.mod so that
// `go generate ./...` is reproducible without a separate install step.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
