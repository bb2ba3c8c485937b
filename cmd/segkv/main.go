// Command segkv inspects and edits a segkv store directory.
package main

import (
	"os"
	"strings"
)

// Stamped by the release build:
//
//	go build -ldflags "-X main.Version=v0.3.0 -X main.GitCommit=$(git rev-parse --short HEAD)" ./cmd/segkv
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(NewCLI().Run(os.Args[1:]))
}

// versionString omits the commit when the version already carries it, as
// `git describe` style versions do.
func versionString() string {
	if GitCommit == "" || strings.Contains(Version, GitCommit) {
		return Version
	}
	return Version + " (" + GitCommit + ")"
}
