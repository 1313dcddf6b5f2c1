// Package coordination tracks cross-worktree dependencies as a small
// directed edge table. A consumer worktree is ready only once every producer
// it depends on has published the corresponding artifact kind. Readiness is
// a pure function over declared state so the phase controller stays
// oblivious to worktree topology.
package coordination

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EdgeKind categorizes what a consumer is waiting on.
type EdgeKind string

const (
	// KindSchema marks a schema/migration dependency.
	KindSchema EdgeKind = "schema"

	// KindCode marks a code dependency.
	KindCode EdgeKind = "code"
)

// Edge is a directed dependency between two worktrees: the consumer cannot
// enter Running until the producer has published the named kind.
type Edge struct {
	Producer string   `json:"producer"`
	Consumer string   `json:"consumer"`
	Kind     EdgeKind `json:"kind"`
}

// Validate checks the edge for missing or degenerate fields.
func (e Edge) Validate() error {
	if e.Producer == "" || e.Consumer == "" {
		return fmt.Errorf("edge requires producer and consumer")
	}
	if e.Producer == e.Consumer {
		return fmt.Errorf("edge cannot point at its own worktree: %s", e.Producer)
	}
	if e.Kind != KindSchema && e.Kind != KindCode {
		return fmt.Errorf("unknown edge kind: %q", e.Kind)
	}
	return nil
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.Producer, e.Consumer, e.Kind)
}

// Board is the shared, mutex-protected edge table. One board is shared by
// all parallel runs; visibility of published state is guaranteed once
// MarkPublished returns.
type Board struct {
	logger *zap.Logger

	mu        sync.Mutex
	edges     []Edge
	published map[string]map[EdgeKind]bool
}

// NewBoard creates an empty coordination board.
func NewBoard(logger *zap.Logger) *Board {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		logger:    logger.Named("coordination"),
		published: make(map[string]map[EdgeKind]bool),
	}
}

// Declare registers a dependency edge. Declaring the same edge twice is a
// no-op.
func (b *Board) Declare(edge Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.edges {
		if e == edge {
			return nil
		}
	}
	b.edges = append(b.edges, edge)
	b.logger.Info("declared coordination edge", zap.String("edge", edge.String()))
	return nil
}

// MarkPublished records that a producer worktree has published an artifact
// kind (merged/pushed).
func (b *Board) MarkPublished(producer string, kind EdgeKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.published[producer] == nil {
		b.published[producer] = make(map[EdgeKind]bool)
	}
	b.published[producer][kind] = true
	b.logger.Info("marked published",
		zap.String("producer", producer),
		zap.String("kind", string(kind)),
	)
}

// IsReady reports whether every edge feeding consumer has been published.
func (b *Board) IsReady(consumer string) bool {
	return len(b.Missing(consumer)) == 0
}

// Missing returns the unsatisfied edges feeding consumer, in declaration
// order. An empty result means the consumer is ready.
func (b *Board) Missing(consumer string) []Edge {
	b.mu.Lock()
	defer b.mu.Unlock()

	var missing []Edge
	for _, e := range b.edges {
		if e.Consumer != consumer {
			continue
		}
		if !b.published[e.Producer][e.Kind] {
			missing = append(missing, e)
		}
	}
	return missing
}
