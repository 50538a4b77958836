/*
Package command provides a handle for a single command running on a remote host.

A Command owns the three streams of the remote process. On construction it starts three goroutines: two that drain
stdout and stderr line by line into in-memory buffers, and one that blocks until the transport reports the exit status.
The caller can read the buffered output at any time, poll or wait for the exit code, and write to stdin.

Close is the only teardown path. It closes stdin and its channel, closes stdout and stderr, and then joins all three
goroutines. If the command is still running when Close is called, closing the channel aborts it, and the transport
reports its sentinel status (usually -1) as the exit code. Close does not wait for the command to finish, so callers that
need a result must Wait before closing:

	err := command.Run(cmd, func(c *command.Command) error {
		code, err := c.Wait(10 * time.Second)
		if err != nil {
			// the command is aborted when Run returns
			return err
		}
		fmt.Println(code, c.Stdout())
		return nil
	})

The transport is abstracted by the Channel, Input, and Stream interfaces. NewInput and NewStream adapt plain
io.Writer/io.Reader values to them.
*/
package command
