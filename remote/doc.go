/*
Package remote carries the bridge's line protocol over a WebSocket instead of a child's standard streams, so a client can talk to a process hosted on another machine.

The wire format is unchanged: the WebSocket is treated as a plain byte stream (via websocket.NetConn) carrying the same newline-delimited JSON envelopes. Dial returns an rpc.Conn with the full call/notify/handler surface. Server is the hosting side: each accepted connection gets its own freshly spawned child process, and raw lines are piped verbatim between the socket and the child's stdin/stdout. Processes are scoped to the connection--if the connection dies for any reason, the child is killed.
*/
package remote
