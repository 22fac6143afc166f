// Command raincloudb-inspect is a REPL over the storage core directly: it
// speaks record-level commands (put/get/del/scan), not SQL. Useful for
// exercising a database file without the higher layers that would
// normally sit on top of the storage engine.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"raincloudb/internal/storageengine"
)

func main() {
	dir := flag.String("dir", "./data", "database directory")
	capacity := flag.Int("buffer-pool-capacity", 64, "frames per buffer pool")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	se, err := storageengine.Open(storageengine.Config{
		DatabaseDir:         *dir,
		BufferPoolCapacity:  *capacity,
		ReplacementStrategy: "lru",
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}
	defer func() {
		if err := se.Deactivate(); err != nil {
			logrus.WithError(err).Error("failed to deactivate cleanly")
		}
	}()

	fmt.Println("raincloudb-inspect — storage-core REPL")
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>     - insert or overwrite a record")
	fmt.Println("  get <key>             - fetch a record")
	fmt.Println("  del <key>             - delete a record")
	fmt.Println("  scan <lo> <hi>        - list records with key in [lo, hi)")
	fmt.Println("  .exit                 - quit")
	fmt.Println()

	runREPL(se)
}

func runREPL(se *storageengine.StorageEngine) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("raincloudb> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nExiting.")
				return
			}
			fmt.Println("Read error:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == ".exit" || line == ".quit" {
			fmt.Println("Bye.")
			return
		}

		handleCommand(line, se)
	}
}

func handleCommand(line string, se *storageengine.StorageEngine) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch strings.ToLower(fields[0]) {
	case "put":
		if len(fields) < 3 {
			fmt.Println("usage: put <key> <value>")
			return
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("bad key:", err)
			return
		}
		value := strings.Join(fields[2:], " ")
		rid, err := se.Insert(key, []byte(value))
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Printf("OK (page=%d slot=%d)\n", rid.PageID, rid.SlotID)

	case "get":
		if len(fields) != 2 {
			fmt.Println("usage: get <key>")
			return
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("bad key:", err)
			return
		}
		record, ok, err := se.Get(key)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if !ok {
			fmt.Println("(not found)")
			return
		}
		fmt.Println(string(record))

	case "del":
		if len(fields) != 2 {
			fmt.Println("usage: del <key>")
			return
		}
		key, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Println("bad key:", err)
			return
		}
		found, err := se.Delete(key)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if !found {
			fmt.Println("(not found)")
			return
		}
		fmt.Println("OK")

	case "scan":
		if len(fields) != 3 {
			fmt.Println("usage: scan <lo> <hi>")
			return
		}
		lo, err1 := strconv.ParseInt(fields[1], 10, 64)
		hi, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			fmt.Println("bad range")
			return
		}
		entries, err := se.Scan(lo, hi)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("(empty)")
			return
		}
		for _, e := range entries {
			fmt.Printf("%d: %s\n", e.Key, string(e.Record))
		}

	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
}
