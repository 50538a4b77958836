/*
Package session connects to a host over SSH and starts commands on it.

Each call to Session.Execute opens a new SSH session channel, starts the command line on it verbatim, and returns a
command.Command that captures its output. The command line is interpreted by the remote user's shell; quoting
arguments is up to the caller.

Defaults are chosen for unattended automation: the ssh-agent is not consulted unless UseAgent is set, and any host key
is accepted unless StrictHostKey is set, in which case the host must be listed in the known_hosts file.
*/
package session
