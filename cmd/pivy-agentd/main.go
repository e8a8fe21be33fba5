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

// Command pivy-agentd is an SSH-agent-protocol daemon that proxies
// signing, key-agreement, and sealed-box operations to a single PIV
// smartcard, never holding key material outside the card itself.
package main

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/pivy-go/pivy-agentd/internal/cardsession"
	"github.com/pivy-go/pivy-agentd/internal/config"
	"github.com/pivy-go/pivy-agentd/internal/daemon"
	"github.com/pivy-go/pivy-agentd/internal/dispatch"
	"github.com/pivy-go/pivy-agentd/internal/peercred"
	"github.com/pivy-go/pivy-agentd/internal/pidreg"
	"github.com/pivy-go/pivy-agentd/internal/pinstore"
	"github.com/pivy-go/pivy-agentd/internal/prompter"
)

// reexecEnv marks a process as the detached child of a daemonizing
// parent, so it knows not to fork again.
const reexecEnv = "PIVY_AGENTD_DAEMONIZED"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, killMode, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if killMode {
		if err := killRunningAgent(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	if err := maybeDaemonize(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if err := startAgent(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return 0
}

// parseFlags binds kingpin flags to a config.Config, per spec.md §6's
// CLI surface table.
func parseFlags(args []string) (config.Config, bool, error) {
	cfg := config.Default()

	app := kingpin.New("pivy-agentd", "PIV smartcard SSH-agent-protocol daemon.")
	app.Flag("socket", "Listening socket path.").Short('a').StringVar(&cfg.SocketPath)
	csh := app.Flag("csh", "Emit csh-style shell output.").Short('c').Bool()
	bourne := app.Flag("bourne", "Emit Bourne-style shell output.").Short('s').Bool()
	foreground := app.Flag("foreground", "Stay in the foreground.").Short('D').Bool()
	debug := app.Flag("debug", "Stay in the foreground, debug logging.").Short('d').Bool()
	info := app.Flag("info", "Stay in the foreground, info logging.").Short('i').Bool()
	confirm := app.Flag("confirm", "Prompt for confirmation (repeat for always).").Short('C').Counter()
	app.Flag("allow-sign-9d", "Allow signing with the Key-Management slot.").Short('m').BoolVar(&cfg.AllowSign9D)
	hashName := app.Flag("hash", "Force a specific signature hash algorithm.").Short('E').String()
	app.Flag("guid-prefix", "Hex prefix of the card's GUID to use.").Short('g').Required().StringVar(&cfg.GUIDPrefix)
	cakPath := app.Flag("cak", "Path to the card's pinned CAK public key (authorized_keys format).").Short('K').String()
	kill := app.Flag("kill", "Terminate a running agent named by $SSH_AUTH_SOCK/$SSH_AGENT_PID.").Short('k').Bool()
	noUID := app.Flag("no-uid-check", "Disable the peer uid check.").Short('U').Bool()
	noZone := app.Flag("no-zone-check", "Disable the peer zone check.").Short('Z').Bool()

	if _, err := app.Parse(args); err != nil {
		return cfg, false, trace.Wrap(err)
	}

	cfg.CheckUID = !*noUID
	cfg.CheckZone = !*noZone

	switch {
	case *csh:
		cfg.Shell = config.ShellCsh
	case *bourne:
		cfg.Shell = config.ShellBourne
	}

	switch {
	case *debug:
		cfg.Foreground = config.ForegroundDebug
	case *info:
		cfg.Foreground = config.ForegroundInfo
	case *foreground:
		cfg.Foreground = config.ForegroundPlain
	}

	switch *confirm {
	case 0:
		cfg.Confirm = prompter.ConfirmNever
	case 1:
		cfg.Confirm = prompter.ConfirmForwarded
	default:
		cfg.Confirm = prompter.ConfirmAlways
	}

	if *hashName != "" {
		hash, err := parseHashName(*hashName)
		if err != nil {
			return cfg, false, trace.Wrap(err)
		}
		cfg.ForceHash = hash
	}

	if *cakPath != "" {
		cak, err := loadPublicKey(*cakPath)
		if err != nil {
			return cfg, false, trace.Wrap(err, "loading CAK public key")
		}
		cfg.CAK = cak
	}

	cfg.AskpassPath = os.Getenv("SSH_ASKPASS")
	cfg.ConfirmPath = os.Getenv("SSH_CONFIRM")

	return cfg, *kill, nil
}

func parseHashName(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, trace.BadParameter("unknown hash algorithm %q", name)
	}
}

func loadPublicKey(path string) (crypto.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, trace.BadParameter("key at %s has no crypto representation", path)
	}
	return cryptoPub.CryptoPublicKey(), nil
}

// maybeDaemonize re-execs the process detached from its controlling
// terminal unless a foreground mode was requested, per spec.md §6.
func maybeDaemonize(cfg config.Config) error {
	if cfg.Foreground != config.Daemonize || os.Getenv(reexecEnv) == "1" {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return trace.Wrap(err)
	}
	defer devNull.Close()

	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), reexecEnv+"=1")
	child.Stdin, child.Stdout, child.Stderr = devNull, devNull, devNull
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return trace.Wrap(err, "daemonizing")
	}
	os.Exit(0)
	return nil
}

// startAgent builds every component and runs the event loop until a
// termination signal arrives.
func startAgent(cfg config.Config) error {
	logLevel := slog.LevelWarn
	switch cfg.Foreground {
	case config.ForegroundDebug:
		logLevel = slog.LevelDebug
	case config.ForegroundInfo:
		logLevel = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	pin, err := pinstore.New()
	if err != nil {
		return trace.Wrap(err, "allocating PIN store")
	}
	defer pin.Close()

	pr := prompter.New(cfg.AskpassPath, cfg.ConfirmPath)
	policy := prompter.NewPolicy(cfg.Confirm, pr)

	clock := clockwork.NewRealClock()
	session := cardsession.New(cardsession.Config{
		GUIDPrefix: cfg.GUIDPrefix,
		CAK:        cfg.CAK,
	}, cardsession.NewFinder(), pin, clock)

	d := dispatch.New(session, pin, policy, pr, dispatch.Options{
		AllowSign9D: cfg.AllowSign9D,
		ForceHash:   cfg.ForceHash,
	}, log)

	ln, err := daemon.Listen(cfg.SocketPath)
	if err != nil {
		return trace.Wrap(err, "creating listening socket")
	}

	printShellEval(cfg, ln.Path())

	peerPolicy := peercred.Policy{
		AgentUID:  uint32(os.Getuid()),
		CheckUID:  cfg.CheckUID,
		CheckZone: cfg.CheckZone,
	}

	dmn := daemon.New(daemon.Config{
		Listener:            ln,
		Dispatcher:          d,
		Session:             session,
		Prober:              peercred.New(),
		PeerPolicy:          peerPolicy,
		PIDRegistry:         pidreg.New(pidreg.DefaultCapacity, clock),
		Clock:               clock,
		Log:                 log,
		ParentAliveInterval: cfg.ParentAliveInterval(),
		CatchSIGINT:         cfg.Foreground == config.ForegroundDebug,
		Cleanup:             func() { _ = ln.Close() },
	})

	return trace.Wrap(dmn.Run(context.Background()))
}

// printShellEval writes the SSH_AUTH_SOCK/SSH_AGENT_PID assignments a
// calling shell is expected to eval, per spec.md §6.
func printShellEval(cfg config.Config, socketPath string) {
	pid := os.Getpid()
	shell := cfg.Shell
	if shell == config.ShellAuto {
		if strings.HasSuffix(os.Getenv("SHELL"), "csh") {
			shell = config.ShellCsh
		} else {
			shell = config.ShellBourne
		}
	}

	switch shell {
	case config.ShellCsh:
		fmt.Printf("setenv SSH_AUTH_SOCK %s;\n", socketPath)
		fmt.Printf("setenv SSH_AGENT_PID %d;\n", pid)
	default:
		fmt.Printf("SSH_AUTH_SOCK=%s; export SSH_AUTH_SOCK;\n", socketPath)
		fmt.Printf("SSH_AGENT_PID=%d; export SSH_AGENT_PID;\n", pid)
	}
	fmt.Printf("echo Agent pid %d;\n", pid)
}

// killRunningAgent implements -k: signal the agent named by the
// environment and report success/failure via the process exit code.
func killRunningAgent() error {
	pidStr := os.Getenv("SSH_AGENT_PID")
	if pidStr == "" {
		return trace.BadParameter("SSH_AGENT_PID is not set")
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return trace.Wrap(err, "parsing SSH_AGENT_PID")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return trace.Wrap(err, "signaling agent pid %d", pid)
	}
	return nil
}
