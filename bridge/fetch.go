package bridge

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/distri-group/Git-IPFS-Remote-Bridge/gitcmd"
)

// FetchRequest is one "fetch <oid> <refname>" line.
type FetchRequest struct {
	OID string
	Ref string
}

// submodule entries carry this mode; their target lives in another
// repository and must not be downloaded.
const gitlinkMode = "160000"

// Fetch downloads every requested object and its transitive closure into the
// local store. The walk is an explicit stack over the object DAG; objects
// already present locally are not downloaded again but are still read and
// expanded, and a visited set bounds re-expansion of shared subtrees.
func (r *Remote) Fetch(reqs []FetchRequest) error {
	queue := make([]string, 0, len(reqs))
	for _, req := range reqs {
		log.Debugf("fetch %s for %s", req.OID, req.Ref)
		queue = append(queue, req.OID)
	}

	visited := map[string]bool{}
	for len(queue) > 0 {
		oid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if visited[oid] {
			continue
		}
		visited[oid] = true

		if oid == gitcmd.EmptyTreeID && !r.git.Exists(oid) {
			if _, err := r.git.HashObject("tree", nil); err != nil {
				return errors.Wrap(err, "materializing empty tree")
			}
			continue
		}

		if !r.git.Exists(oid) {
			if err := r.download(oid); err != nil {
				return err
			}
		}

		children, err := r.expand(oid)
		if err != nil {
			return err
		}
		queue = append(queue, children...)
	}

	return nil
}

// download retrieves one loose object from the remote, verifies that it
// hashes to the identity it was addressed by, and inserts it locally.
func (r *Remote) download(oid string) error {
	data, err := r.cas.Cat(r.ipfsPath + "/" + gitcmd.ObjectPath(oid))
	if err != nil {
		return errors.Wrapf(err, "downloading object %s", oid)
	}

	kind, payload, err := gitcmd.Decompress(data)
	if err != nil {
		return errors.Wrapf(err, "decoding object %s", oid)
	}

	written, err := r.git.HashObject(kind, payload)
	if err != nil {
		return errors.Wrapf(err, "storing object %s", oid)
	}
	if written != oid {
		return errors.Errorf("hash mismatch: remote object %s stored as %s", oid, written)
	}

	log.Debugf("fetched %s %s (%d bytes)", kind, oid, len(payload))
	return nil
}

// expand reads an object from the local store and returns the oids it
// references.
func (r *Remote) expand(oid string) ([]string, error) {
	kind, err := r.git.ObjectType(oid)
	if err != nil {
		return nil, errors.Wrapf(err, "reading type of %s", oid)
	}

	switch kind {
	case "blob":
		return nil, nil
	case "tag":
		payload, err := r.git.ReadObject(oid)
		if err != nil {
			return nil, err
		}
		return tagTarget(payload)
	case "commit":
		payload, err := r.git.ReadObject(oid)
		if err != nil {
			return nil, err
		}
		return commitParents(payload)
	case "tree":
		payload, err := r.git.ReadObject(oid)
		if err != nil {
			return nil, err
		}
		return treeEntries(payload)
	default:
		return nil, errors.Errorf("object %s has unexpected kind %q", oid, kind)
	}
}

// tagTarget extracts the single object line of an annotated tag.
func tagTarget(payload []byte) ([]string, error) {
	for _, line := range strings.Split(string(payload), "\n") {
		if strings.HasPrefix(line, "object ") {
			return []string{strings.TrimPrefix(line, "object ")}, nil
		}
	}
	return nil, errors.New("tag object without target")
}

// commitParents returns the tree on the first header line plus every
// immediately following parent line.
func commitParents(payload []byte) ([]string, error) {
	lines := strings.Split(string(payload), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "tree ") {
		return nil, errors.New("commit object without tree header")
	}
	oids := []string{strings.TrimPrefix(lines[0], "tree ")}
	for _, line := range lines[1:] {
		if !strings.HasPrefix(line, "parent ") {
			break
		}
		oids = append(oids, strings.TrimPrefix(line, "parent "))
	}
	return oids, nil
}

// treeEntries parses the binary tree payload: repeated
// "<mode> <name>\0<20-byte oid>". Gitlink entries are skipped.
func treeEntries(payload []byte) ([]string, error) {
	var oids []string
	rest := payload
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		nul := bytes.IndexByte(rest, 0)
		if sp < 0 || nul < 0 || nul < sp || len(rest) < nul+21 {
			return nil, errors.New("malformed tree entry")
		}
		mode := string(rest[:sp])
		oid := hex.EncodeToString(rest[nul+1 : nul+21])
		rest = rest[nul+21:]

		if mode == gitlinkMode {
			log.Debugf("skipping gitlink entry %s", oid)
			continue
		}
		oids = append(oids, oid)
	}
	return oids, nil
}
