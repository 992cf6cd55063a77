// Inspect a bptdb database directory: header fields plus a
// level-by-level dump of the tree.
// Usage: go run ./cmd/inspect <dbdir>
package main

import (
	"fmt"
	"os"

	"bptdb/db"
	"bptdb/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <dbdir>\n", os.Args[0])
		os.Exit(1)
	}
	opts := types.DefaultOptions()
	opts.Quiet = true
	opts.ValueCacheSize = 0
	d, err := db.Open(os.Args[1], opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Dump(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		os.Exit(1)
	}
	if err := d.CheckIntegrity(); err != nil {
		fmt.Fprintf(os.Stderr, "integrity: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("integrity: ok")
}
