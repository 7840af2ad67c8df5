package bridge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/distri-group/Git-IPFS-Remote-Bridge/gitcmd"
	"github.com/distri-group/Git-IPFS-Remote-Bridge/ipfs"
)

// pushState accumulates one push batch before the single atomic upload.
type pushState struct {
	files      []ipfs.AddFile
	stagedObjs map[string]bool
	pushed     map[string]string
	pushOrder  []string
	deleted    map[string]bool
	totalBytes uint64
	lastSrcOID string

	// bootstrapRef is the ref chosen as the default branch when pushing
	// to an empty remote.
	bootstrapRef  string
	localHeadOID  string
	localHeadName string
}

// Push runs one batch of "push [+]<src>:<dst>" lines and returns the
// per-ref protocol responses. Each ref gets exactly one ok or error line.
// The composite upload happens once, after every line has been processed,
// so the snapshot changes atomically.
func (r *Remote) Push(batch []string) ([]string, error) {
	st := &pushState{
		stagedObjs: map[string]bool{},
		pushed:     map[string]string{},
		deleted:    map[string]bool{},
	}
	if oid, err := r.git.ResolveRef("HEAD"); err == nil {
		st.localHeadOID = oid
	}
	if name, err := r.git.SymbolicRef("HEAD"); err == nil {
		st.localHeadName = name
	}

	var responses []string
	for _, line := range batch {
		spec := strings.TrimPrefix(line, "push ")
		force := strings.HasPrefix(spec, "+")
		spec = strings.TrimPrefix(spec, "+")
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed push refspec %q", spec)
		}
		src, dst := parts[0], parts[1]

		if src == "" {
			responses = append(responses, r.deleteRef(st, dst))
			continue
		}
		responses = append(responses, r.pushRef(st, src, dst, force))
	}

	if len(st.pushed) == 0 && len(st.deleted) == 0 {
		log.Debugf("no refs accepted; nothing to upload")
		return responses, nil
	}

	if err := r.finalize(st); err != nil {
		return nil, err
	}
	return responses, nil
}

// deleteRef records a ref for deletion. Deleting the branch the remote HEAD
// points at would leave the snapshot dangling, so it is refused.
func (r *Remote) deleteRef(st *pushState, dst string) string {
	if r.head != "" && r.head == dst {
		return fmt.Sprintf("error %s refused to delete current branch", dst)
	}
	st.deleted[dst] = true
	log.Infof("deleting %s from the next snapshot", dst)
	return "ok " + dst
}

// pushRef stages one ref update: fast-forward check, then the full reachable
// object set.
func (r *Remote) pushRef(st *pushState, src, dst string, force bool) string {
	srcOID, err := r.git.ResolveRef(src)
	if err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}

	if !force && !r.empty {
		if prior, ok := r.refs[dst]; ok && prior != srcOID {
			if !r.git.Exists(prior) {
				return fmt.Sprintf("error %s fetch first", dst)
			}
			anc, err := r.git.IsAncestor(prior, srcOID)
			if err != nil {
				return fmt.Sprintf("error %s %v", dst, err)
			}
			if !anc {
				return fmt.Sprintf("error %s non-fast forward", dst)
			}
		}
	}

	if err := r.stageObjects(st, src); err != nil {
		return fmt.Sprintf("error %s %v", dst, err)
	}

	st.pushed[dst] = srcOID
	st.pushOrder = append(st.pushOrder, dst)
	st.lastSrcOID = srcOID
	delete(st.deleted, dst)

	if r.empty {
		if st.bootstrapRef == "" && srcOID == st.localHeadOID {
			st.bootstrapRef = dst
		}
	}
	return "ok " + dst
}

// stageObjects adds every object reachable from src to the upload, each
// compressed lazily when the multipart body is written.
func (r *Remote) stageObjects(st *pushState, src string) error {
	oids, err := r.git.RevList(src)
	if err != nil {
		return err
	}
	for _, oid := range oids {
		path := gitcmd.ObjectPath(oid)
		if st.stagedObjs[path] {
			continue
		}
		st.stagedObjs[path] = true

		if size, err := r.git.ObjectSize(oid); err == nil {
			st.totalBytes += size
		}

		oid := oid
		st.files = append(st.files, ipfs.AddFile{
			Name: path,
			Open: func() (io.ReadCloser, error) { return r.openObject(oid) },
		})
	}
	log.Infof("staged %d objects, %d bytes so far", len(st.stagedObjs), st.totalBytes)
	return nil
}

func (r *Remote) openObject(oid string) (io.ReadCloser, error) {
	kind, err := r.git.ObjectType(oid)
	if err != nil {
		return nil, err
	}
	payload, err := r.git.ReadObject(oid)
	if err != nil {
		return nil, err
	}
	data, err := gitcmd.Compress(kind, payload)
	if err != nil {
		return nil, err
	}
	return ipfs.FileBytes(oid, data).Open()
}

// finalize builds the rest of the snapshot manifest and performs the upload
// and the post-upload bookkeeping for mutable and immutable remotes.
func (r *Remote) finalize(st *pushState) error {
	if err := r.git.UpdateServerInfo(); err != nil {
		return errors.Wrap(err, "update-server-info")
	}

	infoRefs := readOrEmpty(filepath.Join(r.git.GitDir(), "info", "refs"))
	infoPacks := readOrEmpty(filepath.Join(r.git.GitDir(), "objects", "info", "packs"))
	st.files = append(st.files,
		ipfs.FileBytes("info/refs", infoRefs),
		ipfs.FileBytes("objects/info/packs", infoPacks),
	)

	// Refs already on the remote persist in the new snapshot unless this
	// batch replaced or deleted them. Their objects stay reachable through
	// the prior snapshot's upload.
	uploadRefs := map[string]string{}
	for name, oid := range r.refs {
		uploadRefs[name] = oid
	}
	for name, oid := range st.pushed {
		uploadRefs[name] = oid
	}
	for name := range st.deleted {
		delete(uploadRefs, name)
	}
	for name, oid := range uploadRefs {
		st.files = append(st.files, ipfs.FileBytes(name, []byte(oid+"\n")))
	}

	head := r.chooseHead(st, uploadRefs)
	if head == "" {
		return errors.New("refusing to upload a snapshot with no HEAD")
	}
	st.files = append(st.files, ipfs.FileBytes("HEAD", []byte(head+"\n")))

	newCID, err := r.cas.Add(st.files)
	if err != nil {
		return errors.Wrap(err, "uploading snapshot")
	}
	// The wrapper hash becomes the remote's new identity (published under
	// the mutable name or written into the remote URL), so a reply that is
	// not a CID means the upload cannot be trusted.
	if _, err := gocid.Decode(newCID); err != nil {
		return errors.Wrapf(err, "daemon returned malformed snapshot CID %q", newCID)
	}
	fmt.Fprintf(os.Stderr, "pushed new repository snapshot: %s\n", newCID)

	if r.mutableName {
		return r.finalizeMutable(newCID)
	}
	return r.finalizeImmutable(newCID)
}

func (r *Remote) chooseHead(st *pushState, uploadRefs map[string]string) string {
	// An existing remote HEAD that still names a ref wins.
	if r.head != "" {
		if _, ok := uploadRefs[r.head]; ok {
			return "ref: " + r.head
		}
	}
	if st.bootstrapRef != "" {
		return "ref: " + st.bootstrapRef
	}
	// No pushed tip matched the local HEAD. A remote that already had refs
	// falls back to the ref git itself has checked out; every remote then
	// falls back to the first pushed ref.
	if !r.empty && st.localHeadName != "" {
		if _, ok := uploadRefs[st.localHeadName]; ok {
			return "ref: " + st.localHeadName
		}
	}
	if len(st.pushOrder) > 0 {
		return "ref: " + st.pushOrder[0]
	}
	if st.lastSrcOID != "" {
		return st.lastSrcOID
	}
	return ""
}

func (r *Remote) finalizeMutable(newCID string) error {
	oldPath, err := r.cas.NameResolve(r.rawPath)
	if err != nil {
		log.Warnf("unable to resolve previous CID of %s: %v", r.rawPath, err)
	} else {
		log.Infof("name %s: %s -> /ipfs/%s", r.rawPath, oldPath, newCID)
	}

	if r.cfg.UnpinOld && oldPath != "" {
		if err := r.cas.PinRm(oldPath); err != nil {
			log.Warnf("unable to unpin previous snapshot %s: %v", oldPath, err)
		}
	}

	if !r.cfg.Republish {
		fmt.Fprintf(os.Stderr, "republishing disabled; point %s at %s manually\n", r.rawPath, newCID)
		return nil
	}

	key := r.rawPath
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		key = key[i+1:]
	}
	if err := r.cas.NamePublish(newCID, key, r.cfg.IPNSTTL); err != nil {
		log.Warnf("name publish failed: %v", err)
		fmt.Fprintf(os.Stderr, "publish failed; switch the remote to %s manually\n", newCID)
	}
	return nil
}

func (r *Remote) finalizeImmutable(newCID string) error {
	if err := r.git.SetRemoteURL(r.name, "ipfs://"+newCID); err != nil {
		fmt.Fprintf(os.Stderr, "remote url update failed; set it to ipfs://%s manually\n", newCID)
		return errors.Wrap(err, "updating remote url")
	}
	return nil
}

func readOrEmpty(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}
