/*
Package process provides a client and server for running shell command lines remotely, streaming stdin (client->server) and stdout & stderr (server->client). It uses WebSockets for bidi messaging so only requires an HTTPS server.

Processes are scoped to the WebSocket connection--that is, if the connection dies for any reason, the process and its children are killed. This is how the client aborts a command.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a request message containing the Command field, which is run with "sh -c".
3. The client and server then exchange messages containing stdin, stdout, and stderr bytes while the process runs.
4. When the process exits, the server sends a response message with Exited=true and the ExitCode.
5. The client initiates closing of the WebSocket connection.

The server does not buffer any stdout or stderr, so the client must keep reading them for the process to make progress.
The client side hands the streams to a command.Command, which always does.
*/
package process
