package main

import (
	_ "net/http/pprof"

	"github.com/dockyard/registry/registry"
	_ "github.com/dockyard/registry/registry/storage/driver/filesystem"
	_ "github.com/dockyard/registry/registry/storage/driver/inmemory"
	_ "github.com/dockyard/registry/registry/storage/driver/s3-aws"
)

func main() {
	// subcommands report their own failures and exit non-zero
	// nolint:errcheck
	registry.RootCmd.Execute()
}
