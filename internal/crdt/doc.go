// Package crdt provides the grow-only counter (G-Counter) that ring nodes
// gossip to agree on how many times the philosophers have eaten. Each node
// increments only its own entry; merging takes the pointwise maximum, so
// replicas converge regardless of message order or duplication.
package crdt
