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

// Package prompter invokes an external askpass/confirm helper program to
// obtain a PIN from, or a yes/no decision about, the user. It is the
// daemon's only source of interactive input: it never reads a terminal
// directly.
package prompter

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/gravitational/trace"
)

// maxOutput bounds how much of a helper's stdout is read.
const maxOutput = 1024

// Prompter spawns the configured askpass/confirm helpers.
type Prompter struct {
	askpassPath string
	confirmPath string
}

// New builds a Prompter. Either path may be empty.
func New(askpassPath, confirmPath string) *Prompter {
	return &Prompter{askpassPath: askpassPath, confirmPath: confirmPath}
}

// HasAskpass reports whether an askpass helper is configured.
func (p *Prompter) HasAskpass() bool { return p.askpassPath != "" }

// Ask runs the askpass helper with prompt as argv[1] and returns its
// stdout (trimmed of trailing CR/LF), or ok=false if no helper is
// configured or the helper exited non-zero.
func (p *Prompter) Ask(ctx context.Context, prompt string) (value string, ok bool, err error) {
	if p.askpassPath == "" {
		return "", false, nil
	}
	out, runErr := run(ctx, p.askpassPath, []string{p.askpassPath, prompt}, nil)
	if runErr != nil {
		if isExitError(runErr) {
			return "", false, nil
		}
		return "", false, trace.Wrap(runErr)
	}
	return trimCRLF(out), true, nil
}

// Decision is the outcome of a confirmation prompt.
type Decision int

const (
	// Allowed means the user (or policy) permitted the operation.
	Allowed Decision = iota
	// Denied means the user refused the operation.
	Denied
	// Error means the helper could not produce a decision.
	Error
)

// Confirm runs the confirm helper (or, absent one, the askpass helper
// with SSH_ASKPASS_PROMPT=confirm) and maps its exit status to a
// Decision: 0 -> Allowed, 1 -> Denied, anything else -> Error.
func (p *Prompter) Confirm(ctx context.Context, prompt string) (Decision, error) {
	switch {
	case p.confirmPath != "":
		argv := confirmArgv(p.confirmPath, prompt)
		_, err := run(ctx, p.confirmPath, argv, nil)
		return decisionFromExit(err)

	case p.askpassPath != "":
		_, err := run(ctx, p.askpassPath, []string{p.askpassPath, prompt}, []string{"SSH_ASKPASS_PROMPT=confirm"})
		return decisionFromExit(err)

	default:
		return Error, trace.BadParameter("no confirm or askpass helper configured")
	}
}

// confirmArgv builds the helper's argv, special-casing zenity's dialog
// flags over the plain "argv[1] = prompt" convention.
func confirmArgv(confirmPath, prompt string) []string {
	if filepath.Base(confirmPath) == "zenity" {
		return []string{
			confirmPath,
			"--question",
			"--text=" + prompt,
			"--ok-label=Allow",
			"--cancel-label=Deny",
		}
	}
	return []string{confirmPath, prompt}
}

func decisionFromExit(err error) (Decision, error) {
	if err == nil {
		return Allowed, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Error, trace.Wrap(err)
	}
	if exitErr.ExitCode() == 1 {
		return Denied, nil
	}
	return Error, trace.Wrap(err, "confirm helper exited %d", exitErr.ExitCode())
}

func isExitError(err error) bool {
	_, ok := err.(*exec.ExitError)
	return ok
}

// run execs path with argv and extraEnv appended to the current
// environment, returning up to maxOutput bytes of stdout.
func run(ctx context.Context, path string, argv []string, extraEnv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	if len(extraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err)
	}

	buf := make([]byte, maxOutput)
	n, readErr := io.ReadFull(stdout, buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		_ = cmd.Wait()
		return nil, trace.Wrap(readErr)
	}
	// Drain any remainder so Wait doesn't block on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)

	waitErr := cmd.Wait()
	if waitErr != nil {
		return nil, waitErr
	}
	return buf[:n], nil
}

func trimCRLF(b []byte) string {
	return string(bytes.TrimRight(b, "\r\n"))
}
