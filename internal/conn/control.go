package conn

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var ErrMalformedCommand = errors.New("malformed control command")

// CommandKind identifies an in-band control command
type CommandKind int

const (
	CommandSubscribe CommandKind = iota + 1 // SUBSCRIBE <stream>
	CommandMetrics                          // METRICS <latency> <bandwidth>
)

func (k CommandKind) String() string {
	switch k {
	case CommandSubscribe:
		return "SUBSCRIBE"
	case CommandMetrics:
		return "METRICS"
	}
	return "UNKNOWN"
}

// Command is one parsed control line
type Command struct {
	Kind      CommandKind
	StreamID  uint32
	Latency   float64
	Bandwidth float64
}

// Controller handles control commands sent on ingest connections.
// Release runs once the connection is gone.
type Controller interface {
	HandleCommand(c *Connection, cmd Command) error
	Release(c *Connection)
}

// ParseCommands reads the newline separated control lines in one read.
// isControl is false when the read does not start with a command keyword;
// the bytes are then media. Malformed lines are skipped and reported in err.
func ParseCommands(data []byte) (cmds []Command, isControl bool, err error) {
	if !hasKeyword(data) {
		return nil, false, nil
	}

	var result *multierror.Error
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, true, result.ErrorOrNil()
}

func hasKeyword(data []byte) bool {
	for _, k := range []CommandKind{CommandSubscribe, CommandMetrics} {
		kw := []byte(k.String())
		if !bytes.HasPrefix(data, kw) {
			continue
		}
		rest := data[len(kw):]
		if len(rest) == 0 || rest[0] == ' ' || rest[0] == '\r' || rest[0] == '\n' {
			return true
		}
	}
	return false
}

func parseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case CommandSubscribe.String():
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return Command{}, fmt.Errorf("%w: stream %q", ErrMalformedCommand, fields[1])
		}
		return Command{Kind: CommandSubscribe, StreamID: uint32(id)}, nil

	case CommandMetrics.String():
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
		}
		latency, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: latency %q", ErrMalformedCommand, fields[1])
		}
		bandwidth, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bandwidth %q", ErrMalformedCommand, fields[2])
		}
		return Command{Kind: CommandMetrics, Latency: latency, Bandwidth: bandwidth}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, fields[0])
}
