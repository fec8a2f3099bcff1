// Command monsoon-inspect is a read-only diagnostic tool: it opens a
// Monsoon database directory, prints the directory and the "created_at"
// metadata entry if one is stored, and with -keys the keys in an optional
// range, without starting the request-dispatch server. It does not print
// the commit header or any other metadata entry.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/monsoondb/monsoon/pkg/engine"
)

var (
	dataDir  = flag.String("data-dir", ".", "directory containing db.monsoon")
	capacity = flag.Int("capacity", 64, "B+tree capacity the database was opened with")
	genLimit = flag.Int("gen-limit", 1000, "commit-generation vacuum threshold")
	showKeys = flag.Bool("keys", false, "print every key in ascending order")
	lower    = flag.String("lower", "", "lower bound for -keys (string key, inclusive)")
	upper    = flag.String("upper", "", "upper bound for -keys (string key, inclusive)")
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	eng, err := engine.Open(engine.Options{Dir: *dataDir, Capacity: *capacity, GenLimit: *genLimit})
	if err != nil {
		log.Fatalf("open %s: %v", *dataDir, err)
	}
	defer eng.Close()

	caller := engine.NewCallerID()

	fmt.Printf("database: %s\n", *dataDir)

	if meta, found, err := eng.GetMetadata(caller, "created_at"); err == nil && found {
		fmt.Printf("created_at: %v\n", meta)
	}

	if *showKeys {
		printKeys(eng)
	}
}

func printKeys(eng *engine.Engine) {
	var lowerVal, upperVal any
	hasLower, hasUpper := *lower != "", *upper != ""
	if hasLower {
		lowerVal = *lower
	}
	if hasUpper {
		upperVal = *upper
	}

	cursor := eng.Select(lowerVal, hasLower, upperVal, hasUpper)
	defer cursor.Close()

	count := 0
	for {
		key, value, ok, err := cursor.Next()
		if err != nil {
			log.Fatalf("scan: %v", err)
		}
		if !ok {
			break
		}
		fmt.Printf("%v -> %v\n", key, value)
		count++
	}
	fmt.Printf("%d key(s)\n", count)
}
