// A tiny REPL over a bptdb database directory.
// Usage: go run ./cmd/bptdb <dbdir>
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"bptdb/db"
	"bptdb/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <dbdir>\n", os.Args[0])
		os.Exit(1)
	}
	opts := types.DefaultOptions()
	d, err := db.Open(os.Args[1], opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	var tx *db.Txn
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if tx != nil {
			fmt.Print("txn> ")
		} else {
			fmt.Print("db> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := strings.ToLower(fields[0])

		switch cmd {
		case "exit", "quit":
			if tx != nil {
				tx.Rollback()
			}
			return

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			var val []byte
			var err error
			if tx != nil {
				val, err = tx.Get([]byte(fields[1]))
			} else {
				val, err = d.Get([]byte(fields[1]))
			}
			if err != nil {
				fmt.Println(err)
			} else {
				fmt.Printf("%q\n", val)
			}

		case "put", "update", "del":
			if err := runWrite(d, tx, cmd, fields); err != nil {
				fmt.Println(err)
			}

		case "scan":
			it, err := d.NewIterator()
			if err != nil {
				fmt.Println(err)
				continue
			}
			n := 0
			for it.SeekFirst(); it.Valid() && n < 100; it.Next() {
				fmt.Printf("%q = %q\n", it.Key(), it.Value())
				n++
			}
			it.Close()

		case "begin":
			if tx != nil {
				fmt.Println("already in a transaction")
				continue
			}
			if tx, err = d.Begin(); err != nil {
				fmt.Println(err)
			}

		case "commit":
			if tx == nil {
				fmt.Println("not in a transaction")
				continue
			}
			if err := tx.Commit(); err != nil {
				fmt.Println(err)
			}
			tx = nil

		case "rollback":
			if tx == nil {
				fmt.Println("not in a transaction")
				continue
			}
			if err := tx.Rollback(); err != nil {
				fmt.Println(err)
			}
			tx = nil

		case "stats":
			st := d.Stats()
			fmt.Printf("keys=%d cached_nodes=%d free_pages=%d over_pages=%d version_mem=%s\n",
				st.KeyNums, st.CachedNodes, st.FreePages, st.OverPages,
				humanize.IBytes(uint64(max(st.VersionMemory, 0))))

		case "rebuild":
			if err := d.Rebuild(); err != nil {
				fmt.Println(err)
			}

		default:
			fmt.Println("commands: get put update del scan begin commit rollback stats rebuild quit")
		}
	}
}

func runWrite(d *db.DB, tx *db.Txn, cmd string, fields []string) error {
	switch cmd {
	case "put":
		if len(fields) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		if tx != nil {
			return tx.Put([]byte(fields[1]), []byte(fields[2]))
		}
		return d.Put([]byte(fields[1]), []byte(fields[2]))
	case "update":
		if len(fields) != 3 {
			return fmt.Errorf("usage: update <key> <value>")
		}
		if tx != nil {
			return tx.Update([]byte(fields[1]), []byte(fields[2]))
		}
		return d.Update([]byte(fields[1]), []byte(fields[2]))
	case "del":
		if len(fields) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		if tx != nil {
			return tx.Delete([]byte(fields[1]))
		}
		return d.Delete([]byte(fields[1]))
	}
	return nil
}
