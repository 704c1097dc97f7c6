/*
Package mux routes frames between many logical channels and one transport connection.

A Conn owns the channel table of its connection. Inbound frames are decoded on a single read goroutine and
handed to the owning Channel in arrival order; frames for unknown ids are dropped. Outbound frames go through
a bounded FIFO queue drained by a single write goroutine, so a slow transport blocks producers instead of
dropping frames.

Once the connection terminates for any reason, every registered channel gets exactly one ConnectionLost call
and no further channels can be opened.
*/
package mux
