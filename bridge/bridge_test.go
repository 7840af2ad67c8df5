package bridge

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"

	"github.com/distri-group/Git-IPFS-Remote-Bridge/gitcmd"
	"github.com/distri-group/Git-IPFS-Remote-Bridge/ipfs"
)

// fakeCAS serves a remote snapshot out of a path->content map and records
// every mutation.
type fakeCAS struct {
	files map[string][]byte

	lsOverride map[string][]ipfs.LsEntry

	addCID    string
	addCalls  int
	added     map[string][]byte
	catCalls  []string
	published [][3]string
	unpinned  []string
	resolved  string
}

// testSnapshotCID is a well-formed CIDv0 for the fake daemon to hand back;
// finalize rejects anything that does not decode.
const testSnapshotCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func newFakeCAS() *fakeCAS {
	return &fakeCAS{
		files:    map[string][]byte{},
		addCID:   testSnapshotCID,
		resolved: "/ipfs/QmOldSnapshotCID",
	}
}

func (f *fakeCAS) Ls(path string) ([]ipfs.LsEntry, error) {
	if entries, ok := f.lsOverride[path]; ok {
		return entries, nil
	}
	if _, ok := f.files[path]; ok {
		return nil, nil // a plain file lists successfully with no links
	}

	prefix := path + "/"
	seen := map[string]ipfs.LsEntry{}
	for name, data := range f.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			seen[rest[:i]] = ipfs.LsEntry{Name: rest[:i], Type: ipfs.EntryDirectory, Size: 0, Hash: "QmDir"}
		} else {
			seen[rest] = ipfs.LsEntry{Name: rest, Type: ipfs.EntryFile, Size: uint64(len(data)), Hash: "QmFile"}
		}
	}
	if len(seen) == 0 {
		return nil, errors.Errorf("ls %s: no link named that path", path)
	}

	var entries []ipfs.LsEntry
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *fakeCAS) Cat(path string) ([]byte, error) {
	f.catCalls = append(f.catCalls, path)
	data, ok := f.files[path]
	if !ok {
		return nil, errors.Errorf("cat %s: not found", path)
	}
	return data, nil
}

func (f *fakeCAS) Add(files []ipfs.AddFile) (string, error) {
	f.addCalls++
	f.added = map[string][]byte{}
	for _, af := range files {
		rc, err := af.Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}
		f.added[af.Name] = data
	}
	return f.addCID, nil
}

func (f *fakeCAS) NameResolve(name string) (string, error) {
	return f.resolved, nil
}

func (f *fakeCAS) NamePublish(cid, key, lifetime string) error {
	f.published = append(f.published, [3]string{cid, key, lifetime})
	return nil
}

func (f *fakeCAS) PinRm(path string) error {
	f.unpinned = append(f.unpinned, path)
	return nil
}

type fakeObject struct {
	kind    string
	payload []byte
}

// fakeGit is an in-memory plumbing gateway. Hashing matches git's, so the
// fetch engine's integrity check exercises the real thing.
type fakeGit struct {
	objects   map[string]fakeObject
	refs      map[string]string
	headName  string
	revlists  map[string][]string
	ancestors map[string]bool
	gitDir    string
	remoteURL map[string]string

	serverInfoCalls int
}

func newFakeGit(t *testing.T) *fakeGit {
	t.Helper()
	return &fakeGit{
		objects:   map[string]fakeObject{},
		refs:      map[string]string{},
		revlists:  map[string][]string{},
		ancestors: map[string]bool{},
		gitDir:    t.TempDir(),
		remoteURL: map[string]string{},
	}
}

func gitHash(kind string, payload []byte) string {
	sum := sha1.Sum(gitcmd.Canonical(kind, payload))
	return hex.EncodeToString(sum[:])
}

func (g *fakeGit) store(kind string, payload []byte) string {
	oid := gitHash(kind, payload)
	g.objects[oid] = fakeObject{kind: kind, payload: payload}
	return oid
}

func (g *fakeGit) GitDir() string { return g.gitDir }

func (g *fakeGit) RevList(ref string) ([]string, error) {
	oids, ok := g.revlists[ref]
	if !ok {
		return nil, errors.Errorf("rev-list %s: unknown ref", ref)
	}
	return oids, nil
}

func (g *fakeGit) ResolveRef(ref string) (string, error) {
	oid, ok := g.refs[ref]
	if !ok {
		return "", errors.Errorf("rev-parse %s: unknown revision", ref)
	}
	return oid, nil
}

func (g *fakeGit) SymbolicRef(name string) (string, error) {
	if g.headName == "" {
		return "", errors.New("not a symbolic ref")
	}
	return g.headName, nil
}

func (g *fakeGit) ObjectType(oid string) (string, error) {
	obj, ok := g.objects[oid]
	if !ok {
		return "", errors.Errorf("object %s missing", oid)
	}
	return obj.kind, nil
}

func (g *fakeGit) ObjectSize(oid string) (uint64, error) {
	obj, ok := g.objects[oid]
	if !ok {
		return 0, errors.Errorf("object %s missing", oid)
	}
	return uint64(len(obj.payload)), nil
}

func (g *fakeGit) ReadObject(oid string) ([]byte, error) {
	obj, ok := g.objects[oid]
	if !ok {
		return nil, errors.Errorf("object %s missing", oid)
	}
	return obj.payload, nil
}

func (g *fakeGit) HashObject(kind string, payload []byte) (string, error) {
	return g.store(kind, payload), nil
}

func (g *fakeGit) Exists(oid string) bool {
	_, ok := g.objects[oid]
	return ok
}

func (g *fakeGit) IsAncestor(a, b string) (bool, error) {
	return g.ancestors[a+".."+b], nil
}

func (g *fakeGit) UpdateServerInfo() error {
	g.serverInfoCalls++
	if err := os.MkdirAll(filepath.Join(g.gitDir, "info"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(g.gitDir, "objects", "info"), 0o755); err != nil {
		return err
	}
	var lines []string
	var names []string
	for name := range g.refs {
		if strings.HasPrefix(name, "refs/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, g.refs[name]+"\t"+name)
	}
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(filepath.Join(g.gitDir, "info", "refs"), []byte(content), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.gitDir, "objects", "info", "packs"), nil, 0o644)
}

func (g *fakeGit) SetRemoteURL(name, url string) error {
	g.remoteURL[name] = url
	return nil
}

// testRemote wires a Remote to fakes without running discovery.
func testRemote(cas *fakeCAS, git *fakeGit) *Remote {
	return &Remote{
		name:        "origin",
		rawPath:     "reponame",
		ipfsPath:    "/ipns/reponame",
		mutableName: true,
		accessible:  true,
		refs:        map[string]string{},
		cas:         cas,
		git:         git,
		cfg:         ipfs.DefaultConfig(),
	}
}

// storeRemoteObject compresses an object into the fake remote snapshot and
// returns its oid.
func storeRemoteObject(t *testing.T, cas *fakeCAS, base, kind string, payload []byte) string {
	t.Helper()
	oid := gitHash(kind, payload)
	data, err := gitcmd.Compress(kind, payload)
	assert.NilError(t, err)
	cas.files[base+"/"+gitcmd.ObjectPath(oid)] = data
	return oid
}

// treeEntry encodes one binary tree entry.
func treeEntry(t *testing.T, mode, name, oid string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(oid)
	assert.NilError(t, err)
	entry := append([]byte(mode+" "+name), 0)
	return append(entry, raw...)
}
