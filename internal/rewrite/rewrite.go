// Package rewrite implements the rewrite pass: a streaming visitor that
// emits filtered and enriched entities, attaching elevation and area
// tags to nodes and subdividing long edges with synthetic interpolation
// nodes.
package rewrite

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"strconv"
	"strings"

	"github.com/osm-transform/osm-transform/internal/area"
	"github.com/osm-transform/osm-transform/internal/elevation"
	"github.com/osm-transform/osm-transform/internal/ids"
	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/osm-transform/osm-transform/internal/nodeindex"
	"github.com/osm-transform/osm-transform/internal/osmtags"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	pbfwrite "github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"
)

// NoData mirrors raster.NoData without importing the raster package
// directly; the rewrite layer only ever sees elevation.NoData.
const NoData = elevation.NoData

// DefaultSyntheticStart is the default first id handed out to synthetic
// interpolation nodes. Input node ids are expected to stay below it;
// §9's open question on id-space overflow is deliberately left
// unenforced here, matching the original.
const DefaultSyntheticStart = 1_000_000_000

// Stats tallies the counters the driver prints in its end-of-run
// summary.
type Stats struct {
	ProcessedElements          int64
	TotalTags                  int64
	ValidTags                  int64
	NodesWithElevation         int64
	NodesWithElevationNotFound int64
	NodesAddedByInterpolation  int64
	NodesWithNoCountry         int64
	NodesWithSingleCountry     int64
	NodesWithMultipleCountries int64
}

// Options configures a Handler.
type Options struct {
	Rules             *osmtags.Rules
	ValidIDs          *ids.ValidIDs
	NoElevation       *ids.NoElevation
	Elevation         *elevation.Service // nil disables elevation enrichment
	AddElevation      bool
	Area              *area.Service // nil disables area enrichment
	LocationIndex     nodeindex.Index
	Interpolate       bool
	InterpolateThresh float64
	SyntheticStart    int64
}

// Handler runs the rewrite pass. nodeEncoder and wrEncoder may be the
// same encoder (interpolation disabled) or two separate ones writing to
// temporary files that the driver later concatenates (interpolation
// enabled, so every node record precedes every way/relation record in
// the final output).
type Handler struct {
	opts Options

	nodeEncoder *pbfwrite.Encoder
	wrEncoder   *pbfwrite.Encoder

	nextNodeID int64
	stats      Stats
}

// New constructs a rewrite handler writing nodes to nodeEncoder and
// ways/relations to wrEncoder.
func New(opts Options, nodeEncoder, wrEncoder *pbfwrite.Encoder) *Handler {
	start := opts.SyntheticStart
	if start == 0 {
		start = DefaultSyntheticStart
	}
	return &Handler{opts: opts, nodeEncoder: nodeEncoder, wrEncoder: wrEncoder, nextNodeID: start}
}

// Stats returns the tallies accumulated so far.
func (h *Handler) Stats() Stats { return h.stats }

// Run streams r (the full nodes|ways|relations read) through the
// handler.
func (h *Handler) Run(ctx context.Context, r io.Reader) error {
	scanner := osmpbf.New(ctx, r, runtime.NumCPU())
	defer scanner.Close()

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			h.node(o)
		case *osm.Way:
			h.way(o)
		case *osm.Relation:
			h.relation(o)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("rewrite pass scan: %w", err)
	}
	return nil
}

func (h *Handler) node(node *osm.Node) {
	if node.ID < 0 || !h.opts.ValidIDs.Nodes().Get(int64(node.ID)) {
		return
	}
	h.stats.ProcessedElements++

	point := [2]float64{node.Lon, node.Lat}

	ele := NoData
	if h.opts.AddElevation && h.opts.Elevation != nil && h.opts.Elevation.Initialized() {
		ele = h.opts.Elevation.Elevation(point, true)
		if ele != NoData {
			h.stats.NodesWithElevation++
		} else {
			h.stats.NodesWithElevationNotFound++
		}
	}

	var countries []string
	if h.opts.Area != nil {
		countries = h.opts.Area.GetArea(point)
	}
	switch len(countries) {
	case 0:
		h.stats.NodesWithNoCountry++
	case 1:
		h.stats.NodesWithSingleCountry++
	default:
		h.stats.NodesWithMultipleCountries++
	}

	out := &osm.Node{
		ID:  node.ID,
		Lat: node.Lat,
		Lon: node.Lon,
		Tags: h.copyTagsEnriched(node.Tags, ele, countries),
	}
	h.nodeEncoder.WriteNode(out)

	if h.opts.Interpolate {
		h.opts.LocationIndex.Set(int64(node.ID), point)
	}
}

func (h *Handler) way(way *osm.Way) {
	if way.ID < 0 || !h.opts.ValidIDs.Ways().Get(int64(way.ID)) {
		return
	}
	h.stats.ProcessedElements++

	nodes := h.addRefs(way)
	out := &osm.Way{
		ID:    way.ID,
		Tags:  h.copyTags(way.Tags),
		Nodes: nodes,
	}
	h.wrEncoder.WriteWay(out)
}

// addRefs implements §4.5's ref-list construction: pass through
// unchanged unless interpolation is enabled, elevation is initialized,
// and the way is not flagged no-elevation.
func (h *Handler) addRefs(way *osm.Way) osm.WayNodes {
	if !h.opts.Interpolate || h.opts.Elevation == nil || !h.opts.Elevation.Initialized() ||
		h.opts.NoElevation.Ways().Get(int64(way.ID)) {
		return way.Nodes
	}
	return h.interpolateRefs(way)
}

// interpolateRefs implements the §4.5 interpolation subroutine: for each
// consecutive pair of way nodes, sample the elevation service's
// segment interpolation and insert a synthetic node wherever the
// midpoint curvature reaches the configured threshold. The very first
// and last sample of every segment are never themselves inserted — only
// interior points qualify, and the original endpoint refs are always
// kept.
func (h *Handler) interpolateRefs(way *osm.Way) osm.WayNodes {
	if len(way.Nodes) == 0 {
		return way.Nodes
	}

	out := make(osm.WayNodes, 0, len(way.Nodes))
	from := way.Nodes[0]
	fromLoc, _ := h.opts.LocationIndex.Get(int64(from.ID))
	out = append(out, from)

	for i := 1; i < len(way.Nodes); i++ {
		to := way.Nodes[i]
		toLoc, _ := h.opts.LocationIndex.Get(int64(to.ID))

		samples := h.opts.Elevation.Interpolate(fromLoc, toLoc)
		for idx := 1; idx < len(samples)-1; idx++ {
			before := samples[idx-1].Ele
			after := samples[idx+1].Ele
			sample := samples[idx]
			if sample.Ele == NoData {
				continue
			}
			if math.Abs(sample.Ele-(before+after)/2) >= h.opts.InterpolateThresh {
				newID := h.newSyntheticNode(sample)
				out = append(out, osm.WayNode{ID: osm.NodeID(newID)})
			}
		}

		fromLoc = toLoc
		out = append(out, to)
		from = to
	}
	return out
}

func (h *Handler) newSyntheticNode(sample elevation.LocationElevation) int64 {
	id := h.nextNodeID
	h.nextNodeID++

	node := &osm.Node{
		ID:  osm.NodeID(id),
		Lon: sample.Location[0],
		Lat: sample.Location[1],
		Tags: osm.Tags{{Key: "ele", Value: formatEle(sample.Ele)}},
	}
	h.nodeEncoder.WriteNode(node)
	h.stats.NodesAddedByInterpolation++
	return id
}

func (h *Handler) relation(rel *osm.Relation) {
	if rel.ID < 0 || !h.opts.ValidIDs.Relations().Get(int64(rel.ID)) {
		return
	}
	h.stats.ProcessedElements++

	out := &osm.Relation{
		ID:      rel.ID,
		Members: rel.Members,
		Tags:    h.copyTags(rel.Tags),
	}
	h.wrEncoder.WriteRelation(out)
}

// copyTags implements the plain overload of §4.5's copy_tags, used for
// ways and relations which never carry ele/country overrides.
func (h *Handler) copyTags(tags osm.Tags) osm.Tags {
	out := make(osm.Tags, 0, len(tags))
	for _, tag := range tags {
		h.stats.TotalTags++
		if h.opts.Rules.AcceptTag(tag.Key) {
			h.stats.ValidTags++
			out = append(out, tag)
		}
	}
	return out
}

// copyTagsEnriched implements the enriching overload of §4.5's
// copy_tags: drop the removal-regex matches, drop any existing
// "country"/"ele" (about to be recomputed), then append the computed
// ele/country tags last.
func (h *Handler) copyTagsEnriched(tags osm.Tags, ele float64, countries []string) osm.Tags {
	out := make(osm.Tags, 0, len(tags)+2)
	for _, tag := range tags {
		h.stats.TotalTags++
		if !h.opts.Rules.AcceptTag(tag.Key) {
			continue
		}
		if tag.Key == "country" || (tag.Key == "ele" && h.opts.AddElevation) {
			continue
		}
		h.stats.ValidTags++
		out = append(out, tag)
	}
	if ele > NoData {
		out = append(out, osm.Tag{Key: "ele", Value: formatEle(ele)})
	}
	if len(countries) > 0 {
		out = append(out, osm.Tag{Key: "country", Value: strings.Join(countries, ",")})
	}
	return out
}

// formatEle mirrors the original's platform to_string(double): Go's
// strconv.FormatFloat with the shortest round-trip representation is
// internally consistent, which is all §9's numeric-formatting note
// requires.
func formatEle(ele float64) string {
	return strconv.FormatFloat(ele, 'f', -1, 64)
}

// LogSummary prints the end-of-run reduction/elevation/country summary
// described in §7.
func LogSummary(stats Stats, elevCounts elevation.Counts, wayBefore, wayAfter, relBefore, relAfter int64) {
	log := logger.Get()
	log.Info("rewrite pass complete",
		zap.Int64("processed_elements", stats.ProcessedElements),
		zap.Int64("total_tags", stats.TotalTags),
		zap.Int64("valid_tags", stats.ValidTags),
		zap.Int64("nodes_with_elevation", stats.NodesWithElevation),
		zap.Int64("nodes_with_elevation_not_found", stats.NodesWithElevationNotFound),
		zap.Int64("nodes_added_by_interpolation", stats.NodesAddedByInterpolation),
		zap.Int64("nodes_no_country", stats.NodesWithNoCountry),
		zap.Int64("nodes_single_country", stats.NodesWithSingleCountry),
		zap.Int64("nodes_multiple_countries", stats.NodesWithMultipleCountries),
		zap.Int("elevation_custom", elevCounts.Custom),
		zap.Int("elevation_srtm", elevCounts.SRTM),
		zap.Int("elevation_gmted", elevCounts.GMTED),
		zap.Int64("ways_before", wayBefore),
		zap.Int64("ways_after", wayAfter),
		zap.Int64("relations_before", relBefore),
		zap.Int64("relations_after", relAfter),
	)
}
