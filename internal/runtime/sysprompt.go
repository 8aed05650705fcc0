package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// BuildSystemPrompt renders the mesh topology into the text preamble agent
// sessions prepend to their first turn. Output is deterministic: nodes,
// connections, and subscriptions are sorted by id so two builds over the
// same model produce identical text.
func BuildSystemPrompt(ctx context.Context, stores *model.Stores, mesh *model.Mesh, self *model.Node) (string, error) {
	nodes, err := stores.Nodes.ListByMesh(ctx, mesh.ID)
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	subs, err := stores.Subscriptions.ListByMesh(ctx, mesh.ID)
	if err != nil {
		return "", fmt.Errorf("list subscriptions: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(subs, func(i, j int) bool {
		a, b := subs[i], subs[j]
		if a.SourceNodeID != b.SourceNodeID {
			return a.SourceNodeID < b.SourceNodeID
		}
		if a.TargetNodeID != b.TargetNodeID {
			return a.TargetNodeID < b.TargetNodeID
		}
		return a.EventType < b.EventType
	})

	var conns []*model.Connection
	for _, n := range nodes {
		cs, err := stores.Connections.ListBySource(ctx, mesh.ID, n.ID)
		if err != nil {
			return "", fmt.Errorf("list connections: %w", err)
		}
		conns = append(conns, cs...)
	}
	sort.Slice(conns, func(i, j int) bool {
		a, b := conns[i], conns[j]
		if a.SourceNodeID != b.SourceNodeID {
			return a.SourceNodeID < b.SourceNodeID
		}
		return a.TargetNodeID < b.TargetNodeID
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are node %d (type %s) in mesh %q (id %d).\n", self.ID, self.Type, mesh.Name, mesh.ID)
	sb.WriteString("\nNodes in this mesh:\n")
	for _, n := range nodes {
		marker := ""
		if n.ID == self.ID {
			marker = " (you)"
		}
		fmt.Fprintf(&sb, "- node %d, type %s%s\n", n.ID, n.Type, marker)
	}
	if len(conns) > 0 {
		sb.WriteString("\nConnections:\n")
		for _, c := range conns {
			fmt.Fprintf(&sb, "- %d -> %d (alignment: %s)\n", c.SourceNodeID, c.TargetNodeID, c.Alignment)
		}
	}
	if len(subs) > 0 {
		sb.WriteString("\nSubscriptions (event types that flow along connections):\n")
		for _, s := range subs {
			fmt.Fprintf(&sb, "- %d -> %d: %s\n", s.SourceNodeID, s.TargetNodeID, s.EventType)
		}
	}
	sb.WriteString("\nEvents you publish are delivered to subscribed downstream nodes.\n")
	return sb.String(), nil
}
