/*
Package process provides a client and server for running processes remotely. Any number of processes share one
connection, which is either a raw TCP stream or a WebSocket carrying binary messages. Each process owns a channel,
identified by the channel id the client picked when it spawned the process.

Processes are scoped to the connection: if the connection dies for any reason, the server kills every process it
started for it, and the client resolves every process that has not exited with an unknown outcome.

The lifecycle of one process is:

 1. The client allocates a channel id and sends a spawn frame describing the command, args, env, working directory and
    the mode of each standard stream.
 2. The server starts the process and answers with a spawned frame carrying the OS pid. If the process cannot be
    started, the server instead answers with an exit frame whose outcome is unknown, with the reason attached.
 3. The client sends stdin frames and, to signal EOF, a stdin-close frame. The server sends stdout and stderr frames.
    The client may send kill frames, which carry a signal name and default to SIGTERM.
 4. When the process exits and its output was forwarded, the server sends exactly one exit frame, carrying either the
    exit code or the name of the terminating signal. After that the channel id is released.

The server does not buffer stdout or stderr beyond the connection's send queue, so a client that stops reading
eventually stalls the process.
*/
package process
