// Copyright 2026 The pivy-agentd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peercred retrieves a connecting client's credentials at
// accept time and enforces the agent's uid/zone policy. It is modeled
// as a narrow interface (spec.md §9's design note) so a BSD/illumos
// implementation is a drop-in; this module ships only the Linux body
// (SO_PEERCRED + /proc), since multi-platform peer-credential probing
// is outside this module's target.
package peercred

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"
)

// Creds is everything the agent learns about a connecting peer.
type Creds struct {
	UID       uint32
	GID       uint32
	PID       int
	ExePath   string
	Argv      string
	StartTime uint64
}

// Prober retrieves peer credentials for an accepted connection.
type Prober interface {
	Probe(conn *net.UnixConn) (*Creds, error)
}

// New returns the platform's peer-credential prober.
func New() Prober {
	return linuxProber{}
}

type linuxProber struct{}

func (linuxProber) Probe(conn *net.UnixConn) (*Creds, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sockErr != nil {
		return nil, trace.Wrap(sockErr, "SO_PEERCRED")
	}

	creds := &Creds{
		UID: ucred.Uid,
		GID: ucred.Gid,
		PID: int(ucred.Pid),
	}

	// Best-effort: exe path, argv, and start time come from /proc and
	// are allowed to be unavailable (process may have already exited,
	// or /proc may be restricted).
	creds.ExePath, _ = os.Readlink("/proc/" + strconv.Itoa(creds.PID) + "/exe")
	if cmdline, err := os.ReadFile("/proc/" + strconv.Itoa(creds.PID) + "/cmdline"); err == nil {
		creds.Argv = strings.ReplaceAll(string(cmdline), "\x00", " ")
		creds.Argv = strings.TrimSpace(creds.Argv)
	}
	creds.StartTime, _ = readStartTime(creds.PID)

	return creds, nil
}

// readStartTime parses field 22 of /proc/<pid>/stat (process start time
// in clock ticks since boot), used together with pid as a process
// identity that survives pid reuse.
func readStartTime(pid int) (uint64, error) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	// The comm field (2nd field) is parenthesized and may itself
	// contain spaces or parens; start after its closing paren.
	s := string(raw)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, trace.BadParameter("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[close+1:])
	// Fields after comm are 1-indexed from state(3); starttime is field 22,
	// i.e. index 22-3=19 in this slice.
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return 0, trace.BadParameter("malformed /proc/%d/stat: too few fields", pid)
	}
	v, err := strconv.ParseUint(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return v, nil
}

// Policy enforces the uid/zone acceptance rule at accept time.
type Policy struct {
	AgentUID  uint32
	CheckUID  bool
	CheckZone bool // no-op on this platform; see package doc.
}

// Allow reports whether creds may connect under this policy.
func (p Policy) Allow(creds *Creds) error {
	if p.CheckUID && creds.UID != p.AgentUID && creds.UID != 0 {
		return trace.AccessDenied("peer uid %d is not the agent uid (%d) or root", creds.UID, p.AgentUID)
	}
	return nil
}
