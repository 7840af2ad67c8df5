// Package gitcmd drives the local repository through git's plumbing
// commands. Every operation shells out, so the helper always agrees with the
// user's installed git about hashing, reachability and ancestry.
package gitcmd

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"

	golog "github.com/ipfs/go-log"
	"github.com/pkg/errors"
)

var log = golog.Logger("git-remote-ipfs/gitcmd")

// Git is a plumbing gateway rooted at one working tree.
type Git struct {
	topLevel string
	gitDir   string
}

// New locates the enclosing repository. The helper is always started by git
// inside a working tree; anything else is a setup error.
func New() (*Git, error) {
	top, err := output("", "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, errors.Wrap(err, "not inside a git repository")
	}
	dir, err := output("", "rev-parse", "--absolute-git-dir")
	if err != nil {
		return nil, errors.Wrap(err, "locating git directory")
	}
	return &Git{
		topLevel: strings.TrimSpace(string(top)),
		gitDir:   strings.TrimSpace(string(dir)),
	}, nil
}

// TopLevel returns the working tree root.
func (g *Git) TopLevel() string { return g.topLevel }

// GitDir returns the repository's .git directory.
func (g *Git) GitDir() string { return g.gitDir }

func output(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return out, nil
}

func (g *Git) output(args ...string) ([]byte, error) {
	return output(g.topLevel, args...)
}

// RevList enumerates every object reachable from ref, tips first.
func (g *Git) RevList(ref string) ([]string, error) {
	out, err := g.output("rev-list", "--objects", ref)
	if err != nil {
		return nil, err
	}
	var oids []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		// --objects output is "<oid> <path>" for trees and blobs
		if i := strings.IndexByte(line, ' '); i >= 0 {
			line = line[:i]
		}
		oids = append(oids, line)
	}
	return oids, nil
}

// ResolveRef resolves a ref (or any rev expression) to an oid.
func (g *Git) ResolveRef(ref string) (string, error) {
	out, err := g.output("rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SymbolicRef reads a symbolic ref such as HEAD, returning the full target
// ref name.
func (g *Git) SymbolicRef(name string) (string, error) {
	out, err := g.output("symbolic-ref", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ObjectType reports the kind of an object.
func (g *Git) ObjectType(oid string) (string, error) {
	out, err := g.output("cat-file", "-t", oid)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ObjectSize reports the payload size of an object.
func (g *Git) ObjectSize(oid string) (uint64, error) {
	out, err := g.output("cat-file", "-s", oid)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
}

// ReadObject returns an object's payload, byte-exact.
func (g *Git) ReadObject(oid string) ([]byte, error) {
	kind, err := g.ObjectType(oid)
	if err != nil {
		return nil, err
	}
	return g.output("cat-file", kind, oid)
}

// HashObject writes payload into the local store as an object of the given
// kind and returns its identity.
func (g *Git) HashObject(kind string, payload []byte) (string, error) {
	cmd := exec.Command("git", "hash-object", "-t", kind, "-w", "--stdin")
	cmd.Dir = g.topLevel
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Errorf("git hash-object: %s", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// Exists reports whether the local store holds the object.
func (g *Git) Exists(oid string) bool {
	cmd := exec.Command("git", "cat-file", "-e", oid)
	cmd.Dir = g.topLevel
	return cmd.Run() == nil
}

// IsAncestor reports whether a is an ancestor of b.
func (g *Git) IsAncestor(a, b string) (bool, error) {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", a, b)
	cmd.Dir = g.topLevel
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, errors.Wrapf(err, "git merge-base --is-ancestor %s %s", a, b)
}

// UpdateServerInfo regenerates info/refs and objects/info/packs for the dumb
// protocol layout.
func (g *Git) UpdateServerInfo() error {
	_, err := g.output("update-server-info")
	return err
}

// SetRemoteURL rewrites a remote's URL, used after pushes to immutable CIDs.
func (g *Git) SetRemoteURL(name, url string) error {
	log.Infof("updating remote %q url to %s", name, url)
	_, err := g.output("remote", "set-url", name, url)
	return err
}
