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

// Package config holds the daemon's startup-time configuration, bound
// directly from CLI flags in cmd/pivy-agentd.
package config

import (
	"crypto"
	"time"

	"github.com/pivy-go/pivy-agentd/internal/prompter"
)

// ShellFormat selects the syntax used for the startup shell-eval output.
type ShellFormat int

const (
	// ShellAuto picks csh or Bourne based on $SHELL, per spec.md §6.
	ShellAuto ShellFormat = iota
	ShellCsh
	ShellBourne
)

// ForegroundMode selects whether/how verbosely the daemon stays attached
// to its controlling terminal instead of detaching.
type ForegroundMode int

const (
	// Daemonize detaches and logs nothing but warnings/errors.
	Daemonize ForegroundMode = iota
	// ForegroundPlain (-D) stays attached, default log level.
	ForegroundPlain
	// ForegroundDebug (-d) stays attached, slog.LevelDebug.
	ForegroundDebug
	// ForegroundInfo (-i) stays attached, slog.LevelInfo.
	ForegroundInfo
)

// parentAliveInterval is how often the event loop checks whether its
// parent has died, while running in any foreground mode (a backgrounded
// daemon has been reparented to init by design and has no parent to
// watch).
const parentAliveInterval = 2 * time.Second

// Config is every startup-time setting the daemon needs once parsed.
// cmd/pivy-agentd builds one from kingpin flags and never mutates it
// again.
type Config struct {
	SocketPath string // "-a"; empty means choose the default ephemeral path

	Shell      ShellFormat
	Foreground ForegroundMode

	Confirm     prompter.ConfirmMode // "-C", repeatable
	AllowSign9D bool                 // "-m"
	ForceHash   crypto.Hash          // "-E"

	GUIDPrefix string           // "-g", required
	CAK        crypto.PublicKey // "-K", optional

	CheckUID  bool // !"-U"
	CheckZone bool // !"-Z"

	AskpassPath string // $SSH_ASKPASS
	ConfirmPath string // $SSH_CONFIRM
}

// Default returns a Config with every flag at its spec-mandated
// default, ready for kingpin to override field by field.
func Default() Config {
	return Config{
		Shell:      ShellAuto,
		Foreground: Daemonize,
		Confirm:    prompter.ConfirmNever,
		CheckUID:   true,
		CheckZone:  true,
	}
}

// ParentAliveInterval reports how often the event loop should check for
// parent death, or 0 if it should not check at all.
func (c Config) ParentAliveInterval() time.Duration {
	if c.Foreground == Daemonize {
		return 0
	}
	return parentAliveInterval
}
