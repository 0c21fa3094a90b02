// Command xlogdump is a thin host adapter over package xlog: it opens a
// snapshot/xlog file, iterates its records, and prints them. It performs
// no semantic interpretation the core package doesn't already do — the
// display-only MessagePack decoding below is purely for human output.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tarantool/go-xlog"
	"github.com/tarantool/go-xlog/internal/mprecord"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "xlogdump <path>",
		Short: "Dump records from a Tarantool snapshot or xlog file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], limit, format)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many records (0 means no limit)")
	cmd.Flags().StringVar(&format, "format", "ndjson", "output format: ndjson or summary")

	return cmd
}

func run(path string, limit int, format string) error {
	r, err := xlog.Open(path)
	if err != nil {
		log.Error("failed to open xlog file", "path", path, "error", err)
		return err
	}
	defer r.Close()

	it := xlog.NewIterator(r)
	enc := json.NewEncoder(os.Stdout)

	n := 0
	for it.Next() {
		if limit > 0 && n >= limit {
			break
		}
		rec := it.Record()

		switch format {
		case "summary":
			if err := printSummary(enc, n, rec); err != nil {
				log.Warn("skipping unparseable header, continuing", "index", n, "error", err)
			}
		default:
			if err := printNDJSON(enc, rec); err != nil {
				return err
			}
		}
		n++
	}
	if err := it.Err(); err != nil {
		log.Error("iteration stopped with an error", "path", path, "records", n, "error", err)
		return err
	}
	log.Debug("dump complete", "path", path, "records", n)
	return nil
}

func printNDJSON(enc *json.Encoder, rec xlog.Record) error {
	var header, body interface{}
	if err := msgpack.Unmarshal(rec.Header, &header); err != nil {
		return fmt.Errorf("decode header for display: %w", err)
	}
	if err := msgpack.Unmarshal(rec.Body, &body); err != nil {
		return fmt.Errorf("decode body for display: %w", err)
	}
	return enc.Encode(map[string]interface{}{"header": header, "body": body})
}

func printSummary(enc *json.Encoder, index int, rec xlog.Record) error {
	fields, err := mprecord.DecodeKnownHeaderKeys(rec.Header)
	if err != nil {
		return err
	}
	summary := map[string]interface{}{"index": index}
	if fields.HasLSN {
		summary["lsn"] = fields.LSN
	}
	if fields.HasRequestType {
		summary["requestType"] = fields.RequestType
	}
	if fields.HasServerID {
		summary["serverId"] = fields.ServerID
	}
	if fields.HasSchemaID {
		summary["schemaId"] = fields.SchemaID
	}
	if fields.HasTimestamp {
		summary["timestamp"] = fields.Timestamp
	}
	return enc.Encode(summary)
}
