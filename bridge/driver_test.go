package bridge

import (
	"bytes"
	"strings"
	"testing"

	"gotest.tools/assert"
)

func runDriver(t *testing.T, r *Remote, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := NewDriver(r, strings.NewReader(input), &out).Run()
	return out.String(), err
}

func TestDriverCapabilities(t *testing.T) {
	r := testRemote(newFakeCAS(), newFakeGit(t))
	out, err := runDriver(t, r, "capabilities\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "option\nlist\npush\nfetch\n\n")
}

func TestDriverOptions(t *testing.T) {
	r := testRemote(newFakeCAS(), newFakeGit(t))
	out, err := runDriver(t, r, "option verbosity 1\noption followtags true\noption verbosity many\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "ok\nunsupported\nunsupported\n")
}

func TestDriverList(t *testing.T) {
	cas := newFakeCAS()
	cas.files["/ipns/reponame/refs/heads/main"] = []byte("1111111111111111111111111111111111111111\n")
	cas.files["/ipns/reponame/HEAD"] = []byte("ref: refs/heads/main\n")

	r := testRemote(cas, newFakeGit(t))
	out, err := runDriver(t, r, "list\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "1111111111111111111111111111111111111111 refs/heads/main\n@refs/heads/main HEAD\n\n")
}

func TestDriverListForPush(t *testing.T) {
	cas := newFakeCAS()
	cas.files["/ipns/reponame/refs/heads/main"] = []byte("1111111111111111111111111111111111111111\n")
	cas.files["/ipns/reponame/HEAD"] = []byte("ref: refs/heads/main\n")

	r := testRemote(cas, newFakeGit(t))
	out, err := runDriver(t, r, "list for-push\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "1111111111111111111111111111111111111111 refs/heads/main\n\n")
}

func TestDriverFetchBatch(t *testing.T) {
	cas := newFakeCAS()
	git := newFakeGit(t)
	_, _, commitOID := buildRemoteCommit(t, cas)

	r := testRemote(cas, git)
	out, err := runDriver(t, r, "fetch "+commitOID+" refs/heads/main\n\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "\n")
	assert.Assert(t, git.Exists(commitOID))
}

func TestDriverPushBatch(t *testing.T) {
	cas := newFakeCAS()
	git := newFakeGit(t)
	buildLocalHistory(t, git)

	r := testRemote(cas, git)
	r.empty = true

	out, err := runDriver(t, r, "push refs/heads/main:refs/heads/main\n\n\n")
	assert.NilError(t, err)
	assert.Equal(t, out, "ok refs/heads/main\n\n")
	assert.Equal(t, cas.addCalls, 1)
}

func TestDriverUnknownCommand(t *testing.T) {
	r := testRemote(newFakeCAS(), newFakeGit(t))
	_, err := runDriver(t, r, "export\n")
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.Contains(err.Error(), "Unsupported operation: export"))
}

func TestDriverEOFIsClean(t *testing.T) {
	r := testRemote(newFakeCAS(), newFakeGit(t))
	out, err := runDriver(t, r, "")
	assert.NilError(t, err)
	assert.Equal(t, out, "")
}
