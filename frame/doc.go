/*
Package frame implements the wire format shared by the procmux client and server.

Every frame is a fixed 9-byte header (channel id, tag, payload length) followed by exactly
payload-length bytes. Data frames (stdin, stdout, stderr) carry raw bytes which are never interpreted.
Control frames (spawn-request, kill-request, spawned, exit-result) carry a CBOR record, see control.go.

Frames carry no framing beyond the header, so a decoding error desynchronizes the stream and
the connection must be torn down. Such errors wrap ErrMalformed.
*/
package frame
