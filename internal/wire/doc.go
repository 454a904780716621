// Package wire defines the messages exchanged between ring neighbors and
// their frame encoding. A frame is a protobuf Struct carrying exactly one
// message; the transport delivers frames whole and in order per link.
package wire
