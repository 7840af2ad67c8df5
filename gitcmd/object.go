package gitcmd

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// EmptyTreeID is the well-known identity of the tree with no entries. It
// exists in every repository without ever being written to disk, so transfers
// have to special-case it.
const EmptyTreeID = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ObjectPath maps an oid to its loose-object location, objects/<xx>/<rest>.
func ObjectPath(oid string) string {
	return "objects/" + oid[:2] + "/" + oid[2:]
}

// Canonical returns the byte sequence git hashes to identify an object:
// "<kind> <size>\0<payload>".
func Canonical(kind string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(kind) + 1 + 20 + len(payload))
	buf.WriteString(kind)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.Bytes()
}

// Compress produces the loose-object wire form, zlib over the canonical
// sequence.
func Compress(kind string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(Canonical(kind, payload)); err != nil {
		return nil, errors.Wrap(err, "deflating object")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "deflating object")
	}
	return buf.Bytes(), nil
}

// Decompress inflates a loose object and splits it back into kind and
// payload, validating the header against the payload length.
func Decompress(data []byte) (kind string, payload []byte, err error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, errors.Wrap(err, "inflating object")
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return "", nil, errors.Wrap(err, "inflating object")
	}

	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return "", nil, errors.New("malformed object: no header terminator")
	}
	header := string(raw[:nul])
	payload = raw[nul+1:]

	var size int
	if _, err := fmt.Sscanf(header, "%s %d", &kind, &size); err != nil {
		return "", nil, errors.Wrapf(err, "malformed object header %q", header)
	}
	switch kind {
	case "blob", "tree", "commit", "tag":
	default:
		return "", nil, errors.Errorf("unknown object kind %q", kind)
	}
	if size != len(payload) {
		return "", nil, errors.Errorf("object header claims %d bytes, payload has %d", size, len(payload))
	}

	return kind, payload, nil
}
