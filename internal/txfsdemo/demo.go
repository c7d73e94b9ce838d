// Package txfsdemo holds the logic behind cmd/txfs-demo, kept out of
// package main so it stays testable and so main.go stays a thin flag-to-call
// wrapper, per cmd/tk/main.go's convention of delegating to an internal
// package immediately.
package txfsdemo

import (
	"context"
	"fmt"
	"io"

	"github.com/calvinalkan/txfs"
)

// Run initializes a [txfs.Manager] over base and executes one illustrative
// transaction: write a file, read it back inside the same transaction, and
// commit. It prints a short trace to w.
func Run(ctx context.Context, base string, lockTimeoutMs int, w io.Writer) error {
	mgr := txfs.NewManager(txfs.ManagerConfig{
		BaseDirectory: base,
		LockTimeoutMs: lockTimeoutMs,
	})

	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	fmt.Fprintf(w, "initialized manager over %s\n", mgr.BaseDirectory())

	err := mgr.Run(ctx, func(tx *txfs.Tx) error {
		if err := tx.Write(ctx, "hello.txt", []byte("hello from txfs-demo\n")); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		data, err := tx.Read(ctx, "hello.txt")
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Fprintf(w, "staged content before commit: %q\n", data)

		return nil
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Fprintln(w, "committed")

	return nil
}
