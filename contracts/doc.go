// Package contracts provides the values that flow through the bus.
//
// A Message is what application code sends and handles: a typed payload plus
// string headers. An Envelope is what a transport carries: the payload's type
// tag, its encoded body and the same headers. The serialization package turns
// one into the other.
package contracts
