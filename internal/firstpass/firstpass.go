// Package firstpass implements the filter pass: a streaming visitor over
// ways and relations only that decides which survive and transitively
// marks the node ids they reference.
package firstpass

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/osm-transform/osm-transform/internal/ids"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/osmtags"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"
)

// Stats tallies how many ways/relations were seen versus retained, for
// the end-of-run summary.
type Stats struct {
	WayCount         int64
	WayValidCount    int64
	RelationCount    int64
	RelationValid    int64
	// NodeMaxID is the highest node id referenced by any retained way.
	// Nodes themselves are never visited (this pass skips coordinates
	// entirely), so it is only a lower bound on the true maximum input
	// node id. It is only tallied; nothing compares it against the
	// synthetic-node start id.
	NodeMaxID int64
}

// Handler runs the first pass: it never touches node coordinates, only
// tag and reference data, so nodes are skipped entirely by the scanner.
type Handler struct {
	rules       *osmtags.Rules
	validIDs    *ids.ValidIDs
	noElevation *ids.NoElevation

	stats Stats
}

// New constructs a first-pass handler over fresh, empty id sets.
func New(rules *osmtags.Rules) *Handler {
	return &Handler{
		rules:       rules,
		validIDs:    ids.NewValidIDs(),
		noElevation: ids.NewNoElevation(),
	}
}

// ValidIDs returns the retention sets filled by Run.
func (h *Handler) ValidIDs() *ids.ValidIDs { return h.validIDs }

// NoElevation returns the no-elevation sets filled by Run.
func (h *Handler) NoElevation() *ids.NoElevation { return h.noElevation }

// Stats returns the tallies accumulated by Run.
func (h *Handler) Stats() Stats { return h.stats }

// Run streams r, visiting only ways and relations (node reads are
// skipped, matching the original's "this pass does not need
// coordinates").
func (h *Handler) Run(ctx context.Context, r io.Reader) error {
	scanner := osmpbf.New(ctx, r, runtime.NumCPU())
	defer scanner.Close()

	scanner.SkipNodes = true

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Way:
			h.way(o)
		case *osm.Relation:
			h.relation(o)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("first pass scan: %w", err)
	}

	logger.Get().Info("first pass complete",
		zap.Int64("valid_nodes", int64(h.validIDs.Nodes().Size())),
		zap.Int64("valid_ways", int64(h.validIDs.Ways().Size())),
		zap.Int64("way_count", h.stats.WayCount),
		zap.Int64("valid_relations", int64(h.validIDs.Relations().Size())),
		zap.Int64("relation_count", h.stats.RelationCount),
	)
	return nil
}

func (h *Handler) way(way *osm.Way) {
	if way.ID < 0 {
		return
	}
	h.stats.WayCount++

	if h.isRemovableWay(way) {
		return
	}
	for _, n := range way.Nodes {
		h.validIDs.Nodes().Set(int64(n.ID))
		if int64(n.ID) > h.stats.NodeMaxID {
			h.stats.NodeMaxID = int64(n.ID)
		}
	}
	if h.rules.IsNoElevation(way.Tags) {
		for _, n := range way.Nodes {
			h.noElevation.Nodes().Set(int64(n.ID))
		}
		h.noElevation.Ways().Set(int64(way.ID))
	}
	h.validIDs.Ways().Set(int64(way.ID))
	h.stats.WayValidCount++
}

func (h *Handler) isRemovableWay(way *osm.Way) bool {
	return h.rules.IsRemovableWay(len(way.Nodes), way.Tags)
}

func (h *Handler) relation(rel *osm.Relation) {
	if rel.ID < 0 {
		return
	}
	h.stats.RelationCount++

	if h.rules.IsRemovableRelation(rel.Tags) {
		return
	}
	for _, member := range rel.Members {
		if member.Type == "node" {
			h.validIDs.Nodes().Set(member.Ref)
		}
	}
	h.validIDs.Relations().Set(int64(rel.ID))
	h.stats.RelationValid++
}
