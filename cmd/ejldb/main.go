// Command ejldb is a thin demonstration binary over the ejldb package:
// open a database file, insert or query documents, run maintenance. It is
// glue, not the engine, so this stays small.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mykolarudenko/ejldb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ejldb: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("db", "", "path to the database file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	cmd := flag.String("cmd", "find", "command to run: put, find, compact, backup")
	query := flag.String("query", "{}", "JSON query document for find")
	doc := flag.String("doc", "{}", "JSON document body for put")
	flag.Parse()

	if *path == "" {
		return errors.New("-db is required")
	}
	level, err := ejldb.ParseLogLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := ejldb.NewLogger(os.Stderr, level)
	slog.SetDefault(logger)

	schema := ejldb.NewSchema(map[string]*ejldb.FieldSpec{
		"name": {Type: ejldb.TypeStr, Mandatory: true},
	})

	db, err := ejldb.Open(ejldb.Config{
		Path:   *path,
		Schema: schema,
		Logger: logger,
		Progress: func(ev ejldb.ProgressEvent) {
			logger.Debug("progress", "phase", ev.Phase, "pct", ev.Pct)
		},
	})
	if err != nil {
		return err
	}
	defer db.Close()

	switch *cmd {
	case "put":
		var fields map[string]any
		if err := json.Unmarshal([]byte(*doc), &fields); err != nil {
			return fmt.Errorf("parsing -doc: %w", err)
		}
		rec := db.New(fields)
		if err := rec.Save(false); err != nil {
			return err
		}
		fmt.Println(rec.ID())
		return nil

	case "find":
		var q ejldb.Query
		if err := json.Unmarshal([]byte(*query), &q); err != nil {
			return fmt.Errorf("parsing -query: %w", err)
		}
		docs, err := db.Find(q, ejldb.FindOptions{})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, d := range docs {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
		return nil

	case "compact":
		return db.CompactNow()

	case "backup":
		return db.BackupNow("rolling")

	default:
		return fmt.Errorf("unknown -cmd %q", *cmd)
	}
}
