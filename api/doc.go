/*
Package api defines the messages exchanged between a cellrun client and a remote execution engine.

The engine exposes a few unary operations over HTTP with JSON bodies (create, get and delete a Session,
and resolve the variables of a script), plus one bidirectional stream, Execute, which carries the lifecycle of a
single running program.

The Execute protocol proceeds as follows:

 1. The client opens a WebSocket connection with the engine.
 2. The client sends a request message containing a ProgramConfig.
 3. The client sends input, window size and stop messages while the program runs. InputDone signals that the
    client will not send any more input.
 4. The engine sends stdout and stderr chunks, and the PID once the program has been started.
 5. When the program exits, the engine sends a response containing the ExitCode. This is always the last meaningful message.
 6. The client initiates closing of the WebSocket connection. If the connection dies for any reason before the
    program exits, the program is killed.
*/
package api
