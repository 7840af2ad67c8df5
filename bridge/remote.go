// Package bridge implements the remote-helper side of the transport: remote
// discovery, reference listing, and the push and fetch engines driven by the
// stdin/stdout protocol.
package bridge

import (
	"sort"
	"strings"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/distri-group/Git-IPFS-Remote-Bridge/ipfs"
)

var log = golog.Logger("git-remote-ipfs")

// CAS is the slice of the daemon API the bridge consumes.
type CAS interface {
	Ls(path string) ([]ipfs.LsEntry, error)
	Cat(path string) ([]byte, error)
	Add(files []ipfs.AddFile) (string, error)
	NameResolve(name string) (string, error)
	NamePublish(cid, key, lifetime string) error
	PinRm(path string) error
}

// Gateway is the local plumbing surface the bridge consumes.
type Gateway interface {
	GitDir() string
	RevList(ref string) ([]string, error)
	ResolveRef(ref string) (string, error)
	SymbolicRef(name string) (string, error)
	ObjectType(oid string) (string, error)
	ObjectSize(oid string) (uint64, error)
	ReadObject(oid string) ([]byte, error)
	HashObject(kind string, payload []byte) (string, error)
	Exists(oid string) bool
	IsAncestor(a, b string) (bool, error)
	UpdateServerInfo() error
	SetRemoteURL(name, url string) error
}

// Remote is the state of one helper invocation against one remote.
type Remote struct {
	name    string
	rawPath string

	// ipfsPath anchors every daemon call: /ipns/<id> for mutable names,
	// the bare CID otherwise.
	ipfsPath    string
	mutableName bool
	accessible  bool
	empty       bool

	// refs is filled by List and consulted by Push for fast-forward
	// decisions. head is the remote HEAD's symbolic target, when any.
	refs map[string]string
	head string

	cas CAS
	git Gateway
	cfg *ipfs.Config
}

// NewRemote parses an ipfs:// remote URL. git hands the helper the URL
// exactly as configured; anything without a scheme separator is unusable.
func NewRemote(name, rawURL string, cas CAS, git Gateway, cfg *ipfs.Config) (*Remote, error) {
	parts := strings.SplitN(rawURL, "://", 2)
	if len(parts) < 2 {
		return nil, errors.Errorf("malformed remote URL %q: expected ipfs://<id>", rawURL)
	}

	return &Remote{
		name:    name,
		rawPath: parts[1],
		refs:    map[string]string{},
		cas:     cas,
		git:     git,
		cfg:     cfg,
	}, nil
}

// Discover probes whether the remote id resolves as a mutable name or an
// immutable CID, and whether anything is reachable at all. A timeout on the
// mutable-name probe is recoverable; the immutable probe decides.
func (r *Remote) Discover() {
	if _, err := r.cas.Ls("/ipns/" + r.rawPath); err == nil {
		r.mutableName = true
		r.accessible = true
		r.ipfsPath = "/ipns/" + r.rawPath
		log.Debugf("remote %s is a mutable name", r.rawPath)
		return
	} else if ipfs.IsTimeout(err) {
		log.Debugf("mutable-name probe for %s timed out, trying immutable", r.rawPath)
	}

	if _, err := r.cas.Ls(r.rawPath); err == nil {
		r.accessible = true
		r.ipfsPath = r.rawPath
		log.Debugf("remote %s is an immutable CID", r.rawPath)
		return
	}

	r.accessible = false
	r.ipfsPath = r.rawPath
	log.Infof("remote %s is not reachable; treating as empty", r.rawPath)
}

// ReferenceNames recursively lists the reference files under prefix on the
// remote. Entries that are neither files nor subdirectories are skipped.
// The result is sorted so repeated listings are identical.
func (r *Remote) ReferenceNames(prefix string) ([]string, error) {
	var names []string
	if err := r.walkReferences(prefix, &names); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *Remote) walkReferences(prefix string, names *[]string) error {
	entries, err := r.cas.Ls(r.ipfsPath + "/" + prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch {
		case e.Type == ipfs.EntryDirectory && e.Size == 0:
			if err := r.walkReferences(prefix+"/"+e.Name, names); err != nil {
				return err
			}
		case e.Type == ipfs.EntryFile:
			*names = append(*names, prefix+"/"+e.Name)
		default:
			log.Infof("skipping unexpected entry %s (type %d) under %s", e.Name, e.Type, prefix)
		}
	}
	return nil
}

// ReadSymbolicReference reads a symbolic ref file such as HEAD from the
// remote, returning its target ref name. The empty string means the file is
// absent or not symbolic.
func (r *Remote) ReadSymbolicReference(name string) (string, error) {
	// ls on a plain file succeeds with no links; only an error means the
	// file is absent.
	if _, err := r.cas.Ls(r.ipfsPath + "/" + name); err != nil {
		return "", nil
	}
	raw, err := r.cas.Cat(r.ipfsPath + "/" + name)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", name)
	}
	value := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(value, "ref: ") {
		log.Debugf("%s is not symbolic: %q", name, value)
		return "", nil
	}
	return strings.TrimSpace(strings.TrimPrefix(value, "ref: ")), nil
}

// List enumerates the remote references, filling the map Push later
// consults. A remote whose refs/ cannot be listed is empty, which is what
// first pushes see. When not listing for push, a symbolic HEAD is exposed as
// an "@<target> HEAD" line.
func (r *Remote) List(forPush bool) ([]string, error) {
	if !r.accessible {
		r.empty = true
		return nil, nil
	}

	names, err := r.ReferenceNames("refs")
	if err != nil {
		log.Debugf("refs/ not listable (%v); remote is empty", err)
		r.empty = true
		return nil, nil
	}

	var lines []string
	for _, name := range names {
		raw, err := r.cas.Cat(r.ipfsPath + "/" + name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading reference %s", name)
		}
		oid := strings.TrimSpace(string(raw))
		r.refs[name] = oid
		lines = append(lines, oid+" "+name)
	}

	head, err := r.ReadSymbolicReference("HEAD")
	if err != nil {
		return nil, err
	}
	r.head = head
	if !forPush && head != "" {
		lines = append(lines, "@"+head+" HEAD")
	}

	return lines, nil
}
