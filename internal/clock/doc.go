// Package clock provides the Lamport logical clock used to order fork
// requests between ring neighbors. Timestamps are scalar; ties between
// equal timestamps are broken by node id in the mutex package.
package clock
