// Command txfs-demo is a minimal example wiring for package txfs. It is not
// the public entry-point factory the core transaction engine delegates to
// (that surface is out of scope per the engine's design); it exists purely
// to exercise [txfs.Manager] end to end against a real directory.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/txfs/internal/txfsdemo"
)

func main() {
	base := pflag.StringP("base", "b", "", "base directory to run transactions against (required)")
	lockTimeoutMs := pflag.IntP("lock-timeout-ms", "l", 0, "lock acquisition timeout in milliseconds (0 = default)")
	pflag.Parse()

	if *base == "" {
		fmt.Fprintln(os.Stderr, "txfs-demo: --base is required")
		os.Exit(2)
	}

	if err := txfsdemo.Run(context.Background(), *base, *lockTimeoutMs, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "txfs-demo: %v\n", err)
		os.Exit(1)
	}
}
