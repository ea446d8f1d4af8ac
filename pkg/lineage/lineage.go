// Package lineage walks the foreign-key relationships between pipeline
// entities and emits an audit graph of nodes and DEPENDS_ON / PRODUCED_BY
// edges. The entity graph is a DAG; traversal is iterative over an explicit
// work stack.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aegisrisk/aegis-core/pkg/store"
)

// Entity types addressable as lineage roots.
const (
	TypeExposureVersion      = "exposure_version"
	TypeHazardDataset        = "hazard_dataset"
	TypeHazardDatasetVersion = "hazard_dataset_version"
	TypeOverlayResult        = "hazard_overlay_result"
	TypeRollupConfig         = "rollup_config"
	TypeRollupResult         = "rollup_result"
	TypeThresholdRule        = "threshold_rule"
	TypeBreach               = "breach"
	TypeDriftRun             = "drift_run"
	TypeScoreResult          = "resilience_score_result"
	TypeRun                  = "run"
)

// Relations.
const (
	RelationDependsOn  = "DEPENDS_ON"
	RelationProducedBy = "PRODUCED_BY"
)

// ErrUnknownEntity reports a root entity type the builder cannot walk.
var ErrUnknownEntity = fmt.Errorf("lineage: unknown entity type")

// Node is one entity in the graph. Key is "type:id" and unique.
type Node struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// Edge links two nodes by key.
type Edge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// Graph is the traversal result.
type Graph struct {
	Root  Node   `json:"root"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Builder resolves lineage graphs against the store.
type Builder struct {
	store store.Store
}

// NewBuilder wires the lineage reader.
func NewBuilder(st store.Store) *Builder {
	return &Builder{store: st}
}

type frame struct {
	entityType string
	id         string
}

type walk struct {
	builder  *Builder
	ctx      context.Context
	tenantID string
	// rootExposure guards the dependent fan-out: results pointing AT an
	// exposure version are enumerated only when that version is the root,
	// otherwise the graph of a single result would pull in every sibling.
	rootExposure string
	stack        []frame
	seen         map[string]bool
	nodes        []Node
	edges        []Edge
}

// Build walks from (entityType, entityID). A missing root returns the
// store's not-found error; broken references below the root are skipped.
func (b *Builder) Build(ctx context.Context, tenantID, entityType, entityID string) (*Graph, error) {
	switch entityType {
	case TypeExposureVersion, TypeHazardDatasetVersion, TypeOverlayResult,
		TypeRollupResult, TypeBreach, TypeDriftRun, TypeScoreResult:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, entityType)
	}
	if err := b.checkRoot(ctx, tenantID, entityType, entityID); err != nil {
		return nil, err
	}

	w := &walk{
		builder:  b,
		ctx:      ctx,
		tenantID: tenantID,
		seen:     map[string]bool{},
	}
	if entityType == TypeExposureVersion {
		w.rootExposure = entityID
	}
	w.push(entityType, entityID)
	for len(w.stack) > 0 {
		f := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		if err := w.expand(f); err != nil {
			return nil, err
		}
	}

	return &Graph{
		Root:  Node{Key: nodeKey(entityType, entityID), Type: entityType, ID: entityID},
		Nodes: w.nodes,
		Edges: w.edges,
	}, nil
}

func (b *Builder) checkRoot(ctx context.Context, tenantID, entityType, entityID string) error {
	var err error
	switch entityType {
	case TypeExposureVersion:
		_, err = b.store.Exposures().Get(ctx, tenantID, entityID)
	case TypeHazardDatasetVersion:
		_, err = b.store.Hazards().GetVersion(ctx, tenantID, entityID)
	case TypeOverlayResult:
		_, err = b.store.Overlays().GetResult(ctx, tenantID, entityID)
	case TypeRollupResult:
		_, err = b.store.Rollups().GetResult(ctx, tenantID, entityID)
	case TypeBreach:
		_, err = b.store.Breaches().Get(ctx, tenantID, entityID)
	case TypeDriftRun:
		_, err = b.store.Drifts().GetRun(ctx, tenantID, entityID)
	case TypeScoreResult:
		_, err = b.store.Scores().GetResult(ctx, tenantID, entityID)
	}
	return err
}

func nodeKey(entityType, id string) string { return entityType + ":" + id }

func (w *walk) push(entityType, id string) {
	if id == "" || w.seen[nodeKey(entityType, id)] {
		return
	}
	w.seen[nodeKey(entityType, id)] = true
	w.stack = append(w.stack, frame{entityType: entityType, id: id})
}

func (w *walk) addNode(n Node) {
	n.Key = nodeKey(n.Type, n.ID)
	w.nodes = append(w.nodes, n)
}

func (w *walk) addEdge(fromType, fromID, toType, toID, relation string) {
	w.edges = append(w.edges, Edge{
		From:     nodeKey(fromType, fromID),
		To:       nodeKey(toType, toID),
		Relation: relation,
	})
}

func (w *walk) expand(f frame) error {
	switch f.entityType {
	case TypeExposureVersion:
		return w.expandExposureVersion(f.id)
	case TypeHazardDataset:
		return w.expandHazardDataset(f.id)
	case TypeHazardDatasetVersion:
		return w.expandHazardVersion(f.id)
	case TypeOverlayResult:
		return w.expandOverlay(f.id)
	case TypeRollupConfig:
		return w.expandRollupConfig(f.id)
	case TypeRollupResult:
		return w.expandRollupResult(f.id)
	case TypeThresholdRule:
		return w.expandRule(f.id)
	case TypeBreach:
		return w.expandBreach(f.id)
	case TypeDriftRun:
		return w.expandDrift(f.id)
	case TypeScoreResult:
		return w.expandScoreResult(f.id)
	case TypeRun:
		return w.expandRun(f.id)
	}
	return nil
}

func (w *walk) expandExposureVersion(id string) error {
	ev, err := w.builder.store.Exposures().Get(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeExposureVersion, ID: ev.ID, Label: ev.Name, CreatedAt: at(ev.CreatedAt)})
	if ev.ID != w.rootExposure {
		return nil
	}

	rollups, err := w.builder.store.Rollups().ListResultsByExposure(w.ctx, w.tenantID, ev.ID)
	if err != nil {
		return err
	}
	for _, rr := range rollups {
		w.addEdge(TypeRollupResult, rr.ID, TypeExposureVersion, ev.ID, RelationDependsOn)
		w.push(TypeRollupResult, rr.ID)
	}
	overlays, err := w.builder.store.Overlays().ListResultsByExposure(w.ctx, w.tenantID, ev.ID)
	if err != nil {
		return err
	}
	for _, ov := range overlays {
		w.addEdge(TypeOverlayResult, ov.ID, TypeExposureVersion, ev.ID, RelationDependsOn)
		w.push(TypeOverlayResult, ov.ID)
	}
	drifts, err := w.builder.store.Drifts().ListByExposure(w.ctx, w.tenantID, ev.ID)
	if err != nil {
		return err
	}
	for _, dr := range drifts {
		w.addEdge(TypeDriftRun, dr.ID, TypeExposureVersion, ev.ID, RelationDependsOn)
		w.push(TypeDriftRun, dr.ID)
	}
	return nil
}

func (w *walk) expandHazardDataset(id string) error {
	hd, err := w.builder.store.Hazards().GetDataset(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeHazardDataset, ID: hd.ID, Label: hd.Name, CreatedAt: at(hd.CreatedAt)})
	return nil
}

func (w *walk) expandHazardVersion(id string) error {
	hdv, err := w.builder.store.Hazards().GetVersion(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeHazardDatasetVersion, ID: hdv.ID, Label: hdv.VersionLabel,
		CreatedAt: at(hdv.CreatedAt), Checksum: hdv.Checksum})
	w.addEdge(TypeHazardDatasetVersion, hdv.ID, TypeHazardDataset, hdv.HazardDatasetID, RelationDependsOn)
	w.push(TypeHazardDataset, hdv.HazardDatasetID)
	return nil
}

func (w *walk) expandOverlay(id string) error {
	ov, err := w.builder.store.Overlays().GetResult(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeOverlayResult, ID: ov.ID, CreatedAt: at(ov.CreatedAt), RunID: ov.RunID})
	w.addEdge(TypeOverlayResult, ov.ID, TypeExposureVersion, ov.ExposureVersionID, RelationDependsOn)
	w.push(TypeExposureVersion, ov.ExposureVersionID)
	for _, hdvID := range ov.HazardDatasetVersionIDs {
		w.addEdge(TypeOverlayResult, ov.ID, TypeHazardDatasetVersion, hdvID, RelationDependsOn)
		w.push(TypeHazardDatasetVersion, hdvID)
	}
	if ov.RunID != "" {
		w.addEdge(TypeOverlayResult, ov.ID, TypeRun, ov.RunID, RelationProducedBy)
		w.push(TypeRun, ov.RunID)
	}
	return nil
}

func (w *walk) expandRollupConfig(id string) error {
	cfg, err := w.builder.store.Rollups().GetConfig(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeRollupConfig, ID: cfg.ID, Label: cfg.Name,
		CreatedAt: at(cfg.CreatedAt), CreatedBy: cfg.CreatedBy})
	return nil
}

func (w *walk) expandRollupResult(id string) error {
	rr, err := w.builder.store.Rollups().GetResult(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeRollupResult, ID: rr.ID, CreatedAt: at(rr.CreatedAt),
		RunID: rr.RunID, Checksum: rr.Checksum})
	if rr.RollupConfigID != "" {
		w.addEdge(TypeRollupResult, rr.ID, TypeRollupConfig, rr.RollupConfigID, RelationDependsOn)
		w.push(TypeRollupConfig, rr.RollupConfigID)
	}
	w.addEdge(TypeRollupResult, rr.ID, TypeExposureVersion, rr.ExposureVersionID, RelationDependsOn)
	w.push(TypeExposureVersion, rr.ExposureVersionID)
	for _, ovID := range rr.HazardOverlayResultIDs {
		w.addEdge(TypeRollupResult, rr.ID, TypeOverlayResult, ovID, RelationDependsOn)
		w.push(TypeOverlayResult, ovID)
	}
	if rr.RunID != "" {
		w.addEdge(TypeRollupResult, rr.ID, TypeRun, rr.RunID, RelationProducedBy)
		w.push(TypeRun, rr.RunID)
	}
	return nil
}

func (w *walk) expandRule(id string) error {
	rule, err := w.builder.store.Rules().Get(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeThresholdRule, ID: rule.ID, Label: rule.Name,
		CreatedAt: at(rule.CreatedAt), CreatedBy: rule.CreatedBy})
	return nil
}

func (w *walk) expandBreach(id string) error {
	b, err := w.builder.store.Breaches().Get(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeBreach, ID: b.ID, CreatedAt: at(b.FirstSeenAt), RunID: b.LastEvalRunID})
	w.addEdge(TypeBreach, b.ID, TypeThresholdRule, b.ThresholdRuleID, RelationDependsOn)
	w.push(TypeThresholdRule, b.ThresholdRuleID)
	if b.RollupResultID != "" {
		w.addEdge(TypeBreach, b.ID, TypeRollupResult, b.RollupResultID, RelationDependsOn)
		w.push(TypeRollupResult, b.RollupResultID)
	}
	w.addEdge(TypeBreach, b.ID, TypeExposureVersion, b.ExposureVersionID, RelationDependsOn)
	w.push(TypeExposureVersion, b.ExposureVersionID)
	if b.LastEvalRunID != "" {
		w.addEdge(TypeBreach, b.ID, TypeRun, b.LastEvalRunID, RelationProducedBy)
		w.push(TypeRun, b.LastEvalRunID)
	}
	return nil
}

func (w *walk) expandDrift(id string) error {
	dr, err := w.builder.store.Drifts().GetRun(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeDriftRun, ID: dr.ID, CreatedAt: at(dr.CreatedAt),
		RunID: dr.RunID, Checksum: dr.Checksum})
	w.addEdge(TypeDriftRun, dr.ID, TypeExposureVersion, dr.ExposureVersionAID, RelationDependsOn)
	w.push(TypeExposureVersion, dr.ExposureVersionAID)
	w.addEdge(TypeDriftRun, dr.ID, TypeExposureVersion, dr.ExposureVersionBID, RelationDependsOn)
	w.push(TypeExposureVersion, dr.ExposureVersionBID)
	if dr.RunID != "" {
		w.addEdge(TypeDriftRun, dr.ID, TypeRun, dr.RunID, RelationProducedBy)
		w.push(TypeRun, dr.RunID)
	}
	return nil
}

func (w *walk) expandScoreResult(id string) error {
	sr, err := w.builder.store.Scores().GetResult(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeScoreResult, ID: sr.ID, CreatedAt: at(sr.CreatedAt), RunID: sr.RunID})
	w.addEdge(TypeScoreResult, sr.ID, TypeExposureVersion, sr.ExposureVersionID, RelationDependsOn)
	w.push(TypeExposureVersion, sr.ExposureVersionID)
	if sr.RunID != "" {
		w.addEdge(TypeScoreResult, sr.ID, TypeRun, sr.RunID, RelationProducedBy)
		w.push(TypeRun, sr.RunID)
	}
	return nil
}

func (w *walk) expandRun(id string) error {
	run, err := w.builder.store.Runs().Get(w.ctx, w.tenantID, id)
	if err != nil {
		return skipMissing(err)
	}
	w.addNode(Node{Type: TypeRun, ID: run.ID, Label: string(run.RunType),
		CreatedAt: at(run.CreatedAt), CreatedBy: run.CreatedBy})
	return nil
}

// skipMissing drops broken references below the root but propagates real
// store failures.
func skipMissing(err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func at(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
