package moler

// ParseFunc examines one inbound chunk on behalf of a command. It runs under
// the command's mutex, serialized with timeout and cancel writes, so it must
// be bounded-time and must complete the command via Finish or Fail, never via
// SetResult/SetError.
type ParseFunc func(cmd *Command, data []byte)

// Command is an observer that writes a prompt line and then parses the reply
// until it has a result. The textual grammar stays outside the engine: a
// Command is fully described by its command string and its ParseFunc.
type Command struct {
	ObserverBase

	// CommandString is the line sent on the connection right after the
	// runner subscribes the command, without the line terminator.
	CommandString string

	parse ParseFunc
}

// NewCommand builds a command bound to conn. parse may be nil for commands
// completed externally (tests, timeouts).
func NewCommand(conn *Connection, commandString string, parse ParseFunc, opts ...ObserverOption) *Command {
	c := &Command{
		CommandString: commandString,
		parse:         parse,
	}
	c.init(c, conn, commandString, opts)
	return c
}

// DataReceived forwards the chunk to the command's parse hook.
func (c *Command) DataReceived(data []byte) {
	if c.parse != nil {
		c.parse(c, data)
	}
}

// IsCommand reports true: commands send a line before observing and time out
// with ErrCommandTimeout.
func (c *Command) IsCommand() bool { return true }

func (c *Command) commandLine() string { return c.CommandString }
