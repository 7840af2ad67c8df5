package ipfs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"
)

var log = golog.Logger("git-remote-ipfs/ipfs")

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ipfs %s: %s (HTTP %d)", e.Op, e.Message, e.Status)
}

// IsTimeout reports whether err is a request timeout rather than a hard
// failure. Discovery uses this to fall through to the next probe.
func IsTimeout(err error) bool {
	for err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// VersionInfo is the subset of /version the helper cares about.
type VersionInfo struct {
	Version string
	Commit  string
}

// LsEntry is one link of a directory listing. Type 1 is a subdirectory,
// type 2 a file.
type LsEntry struct {
	Name string
	Type int
	Size uint64
	Hash string
}

const (
	EntryDirectory = 1
	EntryFile      = 2
)

// AddFile is one named member of an /add upload. Open is invoked while the
// multipart body is being written, so the content of a large upload is never
// resident all at once.
type AddFile struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileBytes wraps an in-memory blob as an AddFile.
func FileBytes(name string, data []byte) AddFile {
	return AddFile{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// Client speaks the daemon's HTTP RPC. All commands are POSTs with
// query-string arguments; replies are JSON except cat (raw bytes) and add
// (newline-delimited JSON).
type Client struct {
	base string
	cfg  *Config
	http *http.Client
}

// NewClient builds a client for the daemon named by cfg. Connections are not
// reused: some daemon builds mishandle chunked keep-alive requests, so every
// request is sent close-delimited the way an HTTP/1.0 client would.
func NewClient(cfg *Config) *Client {
	prefix := strings.Trim(cfg.VersionPrefix, "/")
	parts := strings.Split(prefix, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}

	return &Client{
		base: fmt.Sprintf("%s:%d/%s", strings.TrimRight(cfg.URL, "/"), cfg.Port, strings.Join(parts, "/")),
		cfg:  cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
	}
}

func (c *Client) post(op string, args url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.base + "/" + op
	if len(args) > 0 {
		u += "?" + args.Encode()
	}

	req, err := http.NewRequest(http.MethodPost, u, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", op)
	}
	req.Close = true
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.BasicAuth() {
		req.SetBasicAuth(c.cfg.UserName, c.cfg.UserPassword)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "ipfs %s", op)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, &APIError{Op: op, Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	return resp, nil
}

// readErrorMessage pulls the daemon's error text out of a failure body,
// which is usually {"Message": ..., "Code": ...} but can be plain text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var body struct {
		Message string
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) postJSON(op string, args url.Values, out interface{}) error {
	resp, err := c.post(op, args, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s reply", op)
	}
	return nil
}

// Version probes the daemon. The helper treats any failure here as fatal.
func (c *Client) Version() (VersionInfo, error) {
	var v VersionInfo
	err := c.postJSON("version", nil, &v)
	return v, err
}

// Ls lists the links of an object. Paths may be raw CIDs or /ipns/ names.
func (c *Client) Ls(path string) ([]LsEntry, error) {
	args := url.Values{}
	args.Set("arg", path)

	var reply struct {
		Objects []struct {
			Links []LsEntry
		}
	}
	if err := c.postJSON("ls", args, &reply); err != nil {
		return nil, err
	}
	if len(reply.Objects) == 0 {
		return nil, nil
	}
	return reply.Objects[0].Links, nil
}

// Cat returns the raw content of a file object.
func (c *Client) Cat(path string) ([]byte, error) {
	args := url.Values{}
	args.Set("arg", path)

	resp, err := c.post("cat", args, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

type addEvent struct {
	Name string
	Hash string
}

// Add uploads the given files wrapped in a single directory and returns the
// wrapper directory's CID. The reply is one JSON line per entry; the wrapper
// is always the last line. The multipart body is produced on the fly so peak
// memory stays independent of repository size.
func (c *Client) Add(files []AddFile) (string, error) {
	args := url.Values{}
	args.Set("wrap-with-directory", "true")
	args.Set("pin", "true")
	args.Set("raw-leaves", "true")
	args.Set("cid-version", strconv.Itoa(c.cfg.CIDVersion))
	args.Set("chunker", c.cfg.Chunker)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAddBody(mw, files))
	}()

	resp, err := c.post("add", args, pr, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var last addEvent
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev addEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return "", errors.Wrap(err, "decoding add reply")
		}
		if ev.Hash != "" {
			last = ev
		}
	}
	if err := sc.Err(); err != nil {
		return "", errors.Wrap(err, "reading add reply")
	}
	if last.Hash == "" {
		return "", errors.New("add reply contained no hashes")
	}

	log.Debugf("add: wrapper directory %s", last.Hash)
	return last.Hash, nil
}

func writeAddBody(mw *multipart.Writer, files []AddFile) error {
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, url.QueryEscape(f.Name)))
		hdr.Set("Content-Type", "application/octet-stream")

		part, err := mw.CreatePart(hdr)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "opening %s for upload", f.Name)
		}
		_, err = io.Copy(part, rc)
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "uploading %s", f.Name)
		}
	}
	return mw.Close()
}

// NameResolve resolves a mutable name to its current path.
func (c *Client) NameResolve(name string) (string, error) {
	args := url.Values{}
	args.Set("arg", name)

	var reply struct {
		Path string
	}
	if err := c.postJSON("name/resolve", args, &reply); err != nil {
		return "", err
	}
	return reply.Path, nil
}

// NamePublish points the mutable name owned by key at the given CID.
func (c *Client) NamePublish(cid, key, lifetime string) error {
	args := url.Values{}
	args.Set("arg", cid)
	args.Set("key", key)
	args.Set("lifetime", lifetime)
	args.Set("allow-offline", "true")
	args.Set("resolve", "true")
	args.Set("ipns-base", "base36")

	var reply struct {
		Name  string
		Value string
	}
	if err := c.postJSON("name/publish", args, &reply); err != nil {
		return err
	}
	log.Debugf("published %s -> %s", reply.Name, reply.Value)
	return nil
}

// PinRm recursively unpins a path.
func (c *Client) PinRm(path string) error {
	args := url.Values{}
	args.Set("arg", path)
	args.Set("recursive", "true")

	var reply struct {
		Pins []string
	}
	return c.postJSON("pin/rm", args, &reply)
}
