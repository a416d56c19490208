/*
Package rpc implements a line-delimited JSON-RPC-style duplex connection over any byte stream.

Each line of the stream is one envelope: a request {id, method, params}, a response {id, result} or {id, error}, or a notification {method, params}. Both sides of the connection may initiate requests, so a Conn multiplexes caller-initiated calls and peer-initiated calls over the same stream, correlating responses to pending calls by id.

The package is payload-agnostic: params and results are opaque JSON values whose meaning is defined by the collaborating process's own protocol. Conn only interprets the three envelope shapes.

A Conn runs a single reader goroutine which classifies each inbound line and routes it: responses complete the matching pending call, peer requests invoke the registered request handler and write the handler's return value back as a response with the same id, and notifications invoke the notification handler. Writes from any goroutine are serialized through a single mutex so lines never interleave.
*/
package rpc
