// Package transport carries wire messages between ring neighbors over gRPC.
//
// Every node runs one Ring service and opens one client-streaming Link call
// to each neighbor. A node writes only on the links it dialed and reads only
// on the links its neighbors dialed into it, so each direction of each
// neighbor relationship is a dedicated ordered stream of frames.
package transport
