// Command history prints the recorded orders of a partition and renders the change graph.
//
// The document is read from a file saved earlier, or downloaded from the backend with -kind/-parent.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"

	"github.com/astromechza/nego/pkg/config"
	"github.com/astromechza/nego/pkg/history"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/restapi"
	"github.com/astromechza/nego/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	configVar := flag.String("config", "", "path to the yaml config file")
	kindVar := flag.String("kind", "", "download the history of this kind (cartas, secciones, productos)")
	parentVar := flag.Int64("parent", 0, "parent id of the partition to download")
	outVar := flag.String("out", "", "write the rendered graph here (.svg or .dot)")
	saveVar := flag.String("save", "", "write the raw automerge document here")
	flag.Parse()

	raw, err := readDoc(*configVar, *kindVar, *parentVar)
	if err != nil {
		return err
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	if *saveVar != "" {
		if err := os.WriteFile(*saveVar, raw, 0o644); err != nil {
			return fmt.Errorf("failed to save doc: %w", err)
		}
	}

	entries, err := history.Entries(doc)
	if err != nil {
		return err
	}
	for i, e := range entries {
		fmt.Printf("%4d %s %s %s@%d %s\n", i, e.Time.Format("2006-01-02T15:04:05"), e.Hash[:8], e.Actor, e.Seq, viz.Label(e))
	}

	if *outVar != "" {
		format := graphviz.SVG
		if strings.HasSuffix(*outVar, ".dot") {
			format = graphviz.XDOT
		}
		f, err := os.Create(*outVar)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		if err := viz.Render(doc, format, f); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*outVar)
	}
	return nil
}

func readDoc(configPath, kind string, parent int64) ([]byte, error) {
	if kind == "" {
		if flag.NArg() != 1 {
			return nil, fmt.Errorf("expected one position argument: the file to read, or -kind and -parent")
		}
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		buff, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return buff, nil
	}

	k, err := ordering.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	c, err := restapi.NewClient(cfg.Client.BaseURL)
	if err != nil {
		return nil, err
	}
	return c.Session(cfg.Client.Token).History(context.Background(), ordering.Partition{Kind: k, ParentID: parent})
}
