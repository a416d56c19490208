/*
Package bridge supervises a child process that speaks the line-delimited JSON-RPC-style protocol from the rpc package over its standard streams.

A Transport owns exactly one child process at a time. Start spawns the child with optional environment overrides and a working directory, wires an rpc.Conn over the child's stdin/stdout, and starts a stderr drain loop. Stop closes stdin first so a well-behaved child can exit cleanly, kills the process group if it doesn't, waits for both background loops to finish so no line is lost or double-handled, and fails every still-pending call. Stop is idempotent, and a Transport can be started again after a full Stop.

There is no ambient process registry: a Transport is a plain value owned by its caller.
*/
package bridge
