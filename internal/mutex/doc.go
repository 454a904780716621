// Package mutex implements fork acquisition between ring neighbors: a
// Ricart-Agrawala request/reply/defer protocol restricted to the two
// neighbors, ordered by Lamport timestamps with ties broken by the lower
// node id, plus a single reply-retention flag (Roucairol-Carvalho) that
// lets a node skip the request round when no neighbor contested its forks
// since it last asked for them.
package mutex
