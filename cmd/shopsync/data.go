package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/schema"
)

const syncTimeout = 30 * time.Second

func newWriteCmd(c *cli) *cobra.Command {
	var (
		data    string
		message string
		patch   bool
		noSync  bool
	)
	cmd := &cobra.Command{
		Use:     "write <collection> <key> [file|-]",
		GroupID: "data",
		Short:   "Store a document locally and queue it for sync",
		Long: `Store a JSON document under collection/key and queue it for delivery.

The document comes from --data, a file argument, or stdin ('-' or no file).
Report and dated inventory keys accept natural language dates.

Examples:
  shopsync write reports today report.json
  shopsync write inventory purchases/yesterday --data '[{"item":"oil","qty":2}]'
  shopsync write employees e-17 --patch --data '{"phone":"555-0101"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, key, err := resolveKey(args[0], args[1], time.Now())
			if err != nil {
				return err
			}
			raw, err := readInput(cmd.InOrStdin(), data, args[2:])
			if err != nil {
				return err
			}
			doc, err := schema.ParseDocument(raw)
			if err != nil {
				return err
			}

			s, err := c.open(cmd.Context(), openSync)
			if err != nil {
				return err
			}
			defer s.Close()

			if patch {
				err = s.eng.Patch(col, key, doc, message)
			} else {
				err = s.eng.Write(col, key, doc, message)
			}
			if err = c.localResult(err); err != nil {
				return err
			}
			c.term.Successf("Saved %s", schema.Path(col, key))

			if !noSync {
				c.syncAfterWrite(cmd.Context(), s.eng)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "document JSON")
	cmd.Flags().StringVarP(&message, "message", "m", "", "note recorded with the change")
	cmd.Flags().BoolVar(&patch, "patch", false, "merge top-level fields into the existing document")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "queue only, do not deliver now")
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	var (
		message string
		noSync  bool
	)
	cmd := &cobra.Command{
		Use:     "delete <collection> <key>",
		GroupID: "data",
		Short:   "Delete a document locally and queue the deletion",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, key, err := resolveKey(args[0], args[1], time.Now())
			if err != nil {
				return err
			}

			s, err := c.open(cmd.Context(), openSync)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := c.localResult(s.eng.Delete(col, key, message)); err != nil {
				return err
			}
			c.term.Successf("Deleted %s", schema.Path(col, key))

			if !noSync {
				c.syncAfterWrite(cmd.Context(), s.eng)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "note recorded with the change")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "queue only, do not deliver now")
	return cmd
}

func newReadCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "read <collection> [key]",
		GroupID: "data",
		Short:   "Print a document, or every document of a collection",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("invalid --format %q (want json or yaml)", format)
			}
			col, err := schema.ParseCollection(args[0])
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 2 {
				if col, key, err = resolveKey(args[0], args[1], time.Now()); err != nil {
					return err
				}
			}

			s, err := c.open(cmd.Context(), openQuiet)
			if err != nil {
				return err
			}
			defer s.Close()

			if key == "" {
				return printDocs(c.out(), format, s.eng.List(col))
			}
			doc, ok := s.eng.Read(col, key)
			if !ok {
				return fmt.Errorf("%s not found", schema.Path(col, key))
			}
			return printDoc(c.out(), format, doc)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

// resolveKey parses a collection and key, expanding date expressions in
// report keys and dated inventory keys.
func resolveKey(collection, key string, now time.Time) (schema.Collection, string, error) {
	col, err := schema.ParseCollection(collection)
	if err != nil {
		return "", "", err
	}

	switch col {
	case schema.Reports:
		date, err := schema.ResolveDate(key, now)
		if err != nil {
			return "", "", err
		}
		key = date
	case schema.Inventory:
		if kind, expr, ok := strings.Cut(key, "/"); ok && (kind == "purchases" || kind == "services") {
			date, err := schema.ResolveDate(expr, now)
			if err != nil {
				return "", "", err
			}
			if kind == "purchases" {
				key = schema.PurchasesKey(date)
			} else {
				key = schema.ServicesKey(date)
			}
		}
	}

	if err := col.ValidateKey(key); err != nil {
		return "", "", err
	}
	return col, key, nil
}

func readInput(stdin io.Reader, data string, args []string) ([]byte, error) {
	if data != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("use either --data or a file argument, not both")
		}
		return []byte(data), nil
	}
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return b, nil
}

// localResult tolerates a persistence failure: the change is applied and
// queued in memory even if it may not survive a restart.
func (c *cli) localResult(err error) error {
	if errors.Is(err, engine.ErrLocalPersistence) {
		c.term.Warnf("Saved in memory only: %v", err)
		return nil
	}
	return err
}

// syncAfterWrite delivers the queue when the remote is reachable. Failures
// are reported but the local write stands.
func (c *cli) syncAfterWrite(ctx context.Context, eng *engine.Engine) {
	if !eng.Online() {
		c.term.Warnf("Offline: %d change(s) queued", eng.Stats().PendingChanges)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := eng.ForceSync(ctx); err != nil {
		c.term.Warnf("Sync failed, change stays queued: %v", err)
		return
	}
	if n := eng.Stats().PendingChanges; n > 0 {
		c.term.Warnf("%d change(s) still queued", n)
		return
	}
	c.term.Successf("Synced")
}

func printDoc(w io.Writer, format string, doc schema.Document) error {
	if format == "yaml" {
		v, err := doc.Value()
		if err != nil {
			return err
		}
		return writeYAML(w, v)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func printDocs(w io.Writer, format string, docs map[string]schema.Document) error {
	if format == "yaml" {
		values := make(map[string]any, len(docs))
		for k, d := range docs {
			v, err := d.Value()
			if err != nil {
				return err
			}
			values[k] = v
		}
		return writeYAML(w, values)
	}

	// Keys come out sorted
	out, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
