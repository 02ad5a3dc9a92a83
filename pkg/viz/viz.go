// Package viz draws the reorder history of a partition as a graph of automerge changes.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/nego/pkg/history"
)

// Label is the node text for one recorded order, e.g. `v3 [2 3 1] reorder`.
func Label(e history.Entry) string {
	ids := make([]string, len(e.Order))
	for i, id := range e.Order {
		ids[i] = strconv.FormatInt(id, 10)
	}
	label := fmt.Sprintf("v%d [%s]", e.Version, strings.Join(ids, " "))
	if e.Message != "" {
		label += " " + e.Message
	}
	return label
}

// Render writes the history graph of doc in format (graphviz.SVG, graphviz.XDOT, ...).
func Render(doc *automerge.Doc, format graphviz.Format, w io.Writer) error {
	entries, err := history.Entries(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(entries))
	edgeCounter := 0
	for _, e := range entries {
		n, err := graph.CreateNode(e.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s", e.Hash[:8], Label(e)))
		nodeMap[e.Hash] = n

		for _, parent := range e.Parents {
			from, ok := nodeMap[parent]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, format, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}
