// Package liveness detects silent ring neighbors.
//
// Each round the monitor clears its received flags, probes both neighbors
// with PING and, one interval later, fails if either echo is missing. There
// is no suspicion state or recovery: a failed round is final and the node is
// expected to stop.
package liveness
