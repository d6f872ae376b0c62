package vpn

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"grimm.is/hostguard/internal/errors"
)

// Handle is a running VPN client process.
type Handle interface {
	PID() int
	// Lines yields combined stdout and stderr, one line at a time. It is
	// closed when the output ends.
	Lines() <-chan string
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done.
	Err() error
	// Stop asks the process to terminate and kills it after grace.
	Stop(grace time.Duration) error
}

// Launcher starts VPN clients.
type Launcher interface {
	// Start launches a long-running client.
	Start(name string, args []string) (Handle, error)
	// Run executes a one-shot command and returns its output lines.
	Run(ctx context.Context, name string, args []string) ([]string, error)
}

// runWaitDelay bounds how long Run waits for output pipes to close after
// the command has been killed. Background children that inherited the
// pipes would otherwise hold Run open until they exit.
const runWaitDelay = 2 * time.Second

// ExecLauncher launches real processes.
type ExecLauncher struct {
	Env []string
}

// Start implements Launcher.
func (l ExecLauncher) Start(name string, args []string) (Handle, error) {
	cmd := exec.Command(name, args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindProcessFailure, "failed to create output pipe")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, errors.Wrapf(err, errors.KindProcessFailure, "failed to start %s", name)
	}
	pw.Close()

	h := &execHandle{
		cmd:     cmd,
		lines:   make(chan string, 256),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
	go h.read(pr)
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Run implements Launcher.
func (l ExecLauncher) Run(ctx context.Context, name string, args []string) ([]string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	killGroupOnCancel(cmd)
	cmd.WaitDelay = runWaitDelay
	out, err := cmd.CombinedOutput()
	lines := splitLines(out)
	if err != nil {
		if ctx.Err() != nil {
			return lines, errors.Wrapf(ctx.Err(), errors.KindTimeout, "%s did not finish", name)
		}
		return lines, errors.Wrapf(err, errors.KindProcessFailure, "%s %s", name, strings.Join(args, " "))
	}
	return lines, nil
}

func splitLines(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

type execHandle struct {
	cmd     *exec.Cmd
	lines   chan string
	done    chan struct{}
	err     error
	abandon chan struct{}
	once    sync.Once
}

func (h *execHandle) read(pr *os.File) {
	defer pr.Close()
	defer close(h.lines)
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case h.lines <- sc.Text():
		case <-h.abandon:
			return
		}
	}
}

func (h *execHandle) PID() int              { return h.cmd.Process.Pid }
func (h *execHandle) Lines() <-chan string  { return h.lines }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *execHandle) Stop(grace time.Duration) error {
	defer h.once.Do(func() { close(h.abandon) })

	select {
	case <-h.done:
		return nil
	default:
	}

	if grace > 0 {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-h.done:
				return nil
			case <-t.C:
			}
		}
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, errors.KindProcessFailure, "failed to kill vpn client")
	}
	<-h.done
	return nil
}
