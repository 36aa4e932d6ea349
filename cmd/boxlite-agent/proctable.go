package main

import (
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"
)

// procTable maps an exec's primary stream id to its running *exec.Cmd so
// inbound Signal frames (addressed by that same id) can be delivered.
type procTable struct {
	mu sync.Mutex
	m  map[uint64]*exec.Cmd
}

func newProcTable() *procTable {
	return &procTable{m: make(map[uint64]*exec.Cmd)}
}

func (t *procTable) put(id uint64, cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = cmd
}

func (t *procTable) get(id uint64) (*exec.Cmd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.m[id]
	return cmd, ok
}

func (t *procTable) delete(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// credentialFor resolves username to a syscall.Credential for dropping
// privileges before exec, mirroring containers.go's use of os/user to
// resolve the requested in-guest identity. Returns (nil, nil) when
// username is empty, leaving the process running as its current uid.
func credentialFor(username string) (*syscall.Credential, error) {
	if username == "" {
		return nil, nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
