//go:build !windows

package terminal

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const writeTimeout = 2 * time.Second

// PTYSpawner launches the agent CLI on a fresh pseudo-terminal.
type PTYSpawner struct {
	Command string
	Args    []string
	Env     map[string]string
}

// BuildArgs returns the argument list passed to the agent CLI for spec.
func (s *PTYSpawner) BuildArgs(spec LaunchSpec) []string {
	args := append([]string(nil), s.Args...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}
	return args
}

func (s *PTYSpawner) environ(spec LaunchSpec) []string {
	name := spec.Name
	if name == "" {
		name = spec.AgentID
	}
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"CLAUDE_CODE_ENTRYPOINT=agent-chat",
		"AGENT_CHAT_ID="+spec.AgentID,
		"AGENT_CHAT_NAME="+name,
	)
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

func (s *PTYSpawner) Spawn(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(s.Command, s.BuildArgs(spec)...)
	cmd.Dir = spec.Cwd
	cmd.Env = s.environ(spec)

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, &SpawnError{AgentID: spec.AgentID, Command: s.Command, Err: err}
	}

	fd := int(tty.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		tty.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &SpawnError{AgentID: spec.AgentID, Command: s.Command, Err: err}
	}

	p := &ptyProcess{
		cmd:    cmd,
		tty:    tty,
		fd:     fd,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// ptyProcess drives a pty master through raw non-blocking syscalls so the
// reader can poll with a timeout instead of parking in read(2).
type ptyProcess struct {
	cmd *exec.Cmd
	tty *os.File
	fd  int

	// mu guards fd against Close while a poll or write is in flight, so a
	// recycled descriptor number is never touched.
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex

	exited chan struct{}
}

func (p *ptyProcess) Read(buf []byte, timeout time.Duration) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, &DeviceError{Op: "poll", Err: err}
	}
	if n == 0 {
		return 0, nil
	}

	revents := fds[0].Revents
	if revents&unix.POLLNVAL != 0 {
		return 0, &DeviceError{Op: "poll", Err: unix.EBADF}
	}
	if revents&unix.POLLIN == 0 && revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		return 0, io.EOF
	}

	r, err := unix.Read(p.fd, buf)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case errors.Is(err, unix.EIO):
		// Linux reports EIO on the master once every slave fd is closed.
		return 0, io.EOF
	case err != nil:
		return 0, &DeviceError{Op: "read", Err: err}
	case r == 0:
		return 0, io.EOF
	}
	return r, nil
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrClosed
	}

	written := 0
	deadline := time.Now().Add(writeTimeout)
	for written < len(data) {
		n, err := unix.Write(p.fd, data[written:])
		if n > 0 {
			written += n
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if time.Now().After(deadline) {
				return written, &DeviceError{Op: "write", Err: err}
			}
			_, _ = unix.Poll([]unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}, 50)
			continue
		}
		if err != nil {
			return written, &DeviceError{Op: "write", Err: err}
		}
	}
	return written, nil
}

func (p *ptyProcess) Resize(rows, cols uint16) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	ws := &unix.Winsize{Row: rows, Col: cols}
	if err := unix.IoctlSetWinsize(p.fd, unix.TIOCSWINSZ, ws); err != nil {
		return &DeviceError{Op: "resize", Err: err}
	}
	return nil
}

func (p *ptyProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	err := p.cmd.Process.Signal(unix.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *ptyProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.tty.Close()
}

func (p *ptyProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *ptyProcess) Pid() int {
	return p.cmd.Process.Pid
}
