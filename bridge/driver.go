package bridge

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"
)

// Driver runs the remote-helper line protocol against a Remote. git writes
// commands on the helper's stdin and reads replies from its stdout; replies
// are flushed at the end of every batch.
type Driver struct {
	remote *Remote
	in     *bufio.Reader
	out    *bufio.Writer
}

// NewDriver wraps the given streams. In production they are the process's
// stdin and stdout; stdout carries protocol bytes only.
func NewDriver(remote *Remote, in io.Reader, out io.Writer) *Driver {
	return &Driver{
		remote: remote,
		in:     bufio.NewReader(in),
		out:    bufio.NewWriter(out),
	}
}

func (d *Driver) readLine() (string, error) {
	line, err := d.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (d *Driver) writeLines(lines ...string) {
	for _, l := range lines {
		d.out.WriteString(l)
		d.out.WriteByte('\n')
	}
}

// Run processes commands until git closes the dialog with an empty line or
// EOF. Unknown commands are fatal; per-ref failures inside a push batch are
// not, they travel back on the protocol channel instead.
func (d *Driver) Run() error {
	for {
		line, err := d.readLine()
		if err == io.EOF {
			return d.out.Flush()
		}
		if err != nil {
			return errors.Wrap(err, "reading command")
		}

		switch {
		case line == "":
			return d.out.Flush()

		case line == "capabilities":
			d.writeLines("option", "list", "push", "fetch", "")

		case strings.HasPrefix(line, "option "):
			d.writeLines(d.handleOption(strings.TrimPrefix(line, "option ")))

		case line == "list" || line == "list for-push":
			lines, err := d.remote.List(line == "list for-push")
			if err != nil {
				return err
			}
			d.writeLines(lines...)
			d.writeLines("")

		case strings.HasPrefix(line, "push "):
			batch, err := d.readBatch(line)
			if err != nil {
				return err
			}
			responses, err := d.remote.Push(batch)
			if err != nil {
				return err
			}
			d.writeLines(responses...)
			d.writeLines("")

		case strings.HasPrefix(line, "fetch "):
			batch, err := d.readBatch(line)
			if err != nil {
				return err
			}
			reqs, err := parseFetchBatch(batch)
			if err != nil {
				return err
			}
			if err := d.remote.Fetch(reqs); err != nil {
				return err
			}
			d.writeLines("")

		default:
			return errors.Errorf("Unsupported operation: %s", line)
		}

		if err := d.out.Flush(); err != nil {
			return errors.Wrap(err, "flushing replies")
		}
	}
}

// readBatch collects consecutive command lines up to the blank-line
// terminator, first line included.
func (d *Driver) readBatch(first string) ([]string, error) {
	batch := []string{first}
	for {
		line, err := d.readLine()
		if err == io.EOF || line == "" {
			return batch, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading batch")
		}
		batch = append(batch, line)
	}
}

func parseFetchBatch(batch []string) ([]FetchRequest, error) {
	reqs := make([]FetchRequest, 0, len(batch))
	for _, line := range batch {
		fields := strings.Fields(strings.TrimPrefix(line, "fetch "))
		if len(fields) < 2 {
			return nil, errors.Errorf("malformed fetch line %q", line)
		}
		reqs = append(reqs, FetchRequest{OID: fields[0], Ref: fields[1]})
	}
	return reqs, nil
}

// handleOption applies a driver option. Only verbosity is recognized; its
// level feeds straight into the loggers.
func (d *Driver) handleOption(opt string) string {
	fields := strings.Fields(opt)
	if len(fields) != 2 || fields[0] != "verbosity" {
		return "unsupported"
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return "unsupported"
	}
	SetVerbosity(n)
	return "ok"
}

// SetVerbosity maps git's numeric verbosity onto the log levels: quiet and
// default stay at errors, -v adds progress, -vv and beyond debugging.
func SetVerbosity(n int) {
	switch {
	case n <= 1:
		golog.SetAllLoggers(golog.LevelError)
	case n == 2:
		golog.SetAllLoggers(golog.LevelInfo)
	default:
		golog.SetAllLoggers(golog.LevelDebug)
	}
}
