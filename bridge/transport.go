package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/procrpc/procrpc/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning is returned by Start while a child is running.
	ErrAlreadyRunning = errors.New("bridge: process already running")

	// ErrNotRunning is returned by Call and Notify when no child is running.
	ErrNotRunning = errors.New("bridge: process not running")

	// ErrSpawnFailed wraps launch failures: missing binary, permission
	// denied, invalid working directory. These are fatal and not retried.
	ErrSpawnFailed = errors.New("bridge: spawning process failed")
)

// DefaultStopTimeout is how long Stop waits for a cooperative exit before
// killing the process group, when given a timeout <= 0.
const DefaultStopTimeout = 5 * time.Second

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Transport launches a child process and exposes typed request, response,
// and notification traffic with it over its standard streams. One Transport
// manages exactly one child process; it is not a registry.
type Transport struct {
	baseLog     *zap.Logger
	log         *zap.SugaredLogger
	command     string
	args        []string
	trace       rpc.TraceSink
	callTimeout time.Duration

	// lifecycleMu serializes Start/Stop transitions so a Stop can never run
	// concurrently with a Start.
	lifecycleMu sync.Mutex

	// mu guards the per-run fields below.
	mu    sync.Mutex
	state state
	cmd   *exec.Cmd
	conn  *rpc.Conn
	group *errgroup.Group
}

// StartRequest describes one run of the child process.
type StartRequest struct {
	// WorkingDir is the child's working directory; empty means inherit.
	WorkingDir string

	// Env is merged over the parent environment at spawn time. It is opaque
	// configuration (credentials, base URL overrides) and is not
	// reinterpreted by the transport.
	Env map[string]string

	// OnRequest serves requests initiated by the child process. See
	// rpc.Handlers.
	OnRequest func(ctx context.Context, method string, params json.RawMessage) (any, error)

	// OnNotification handles child notifications.
	OnNotification func(method string, params json.RawMessage)

	// OnClosed fires exactly once per run when the connection drops, whether
	// by an explicit Stop or an unexpected child exit.
	OnClosed func(reason error)
}

// New builds a Transport that will launch command with args. Nothing is
// spawned until Start.
func New(command string, args []string, opts ...Option) *Transport {
	t := &Transport{
		baseLog:     zap.NewNop(),
		log:         zap.NewNop().Sugar(),
		command:     command,
		args:        args,
		callTimeout: rpc.DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start spawns the child process and begins serving traffic. It fails with
// ErrAlreadyRunning if a child is already running, and with ErrSpawnFailed
// if the executable cannot be launched.
func (t *Transport) Start(req StartRequest) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.state != stateIdle {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.mu.Unlock()

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = req.WorkingDir
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	// The child gets its own process group so Stop can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	t.log.Debugw("process started", "command", t.command, "pid", cmd.Process.Pid)

	connOpts := []rpc.ConnOption{
		rpc.WithLogger(t.baseLog),
		rpc.WithDefaultCallTimeout(t.callTimeout),
	}
	if t.trace != nil {
		connOpts = append(connOpts, rpc.WithTraceSink(t.trace))
	}
	conn := rpc.NewConn(&stdioStream{Reader: stdout, stdin: stdin}, rpc.Handlers{
		OnRequest:      req.OnRequest,
		OnNotification: req.OnNotification,
		OnClosed:       req.OnClosed,
	}, connOpts...)

	group := new(errgroup.Group)
	stderrDone := make(chan struct{})
	group.Go(func() error {
		defer close(stderrDone)
		t.drainStderr(stderr)
		return nil
	})
	group.Go(func() error {
		// Reap only after the reader has seen end-of-stream and the stderr
		// drain has finished, so Wait closing the pipes cannot discard
		// buffered lines.
		<-conn.Done()
		<-stderrDone
		if err := cmd.Wait(); err != nil {
			t.log.Debugw("process exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			t.log.Debugw("process exited", "pid", cmd.Process.Pid)
		}
		return nil
	})

	t.mu.Lock()
	t.state = stateRunning
	t.cmd = cmd
	t.conn = conn
	t.group = group
	t.mu.Unlock()
	return nil
}

// Call issues a request to the child and blocks for its response. A timeout
// <= 0 uses the transport's default. See rpc.Conn.Call for the outcome
// taxonomy.
func (t *Transport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, err := t.runningConn()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params, timeout)
}

// Notify sends a notification to the child.
func (t *Transport) Notify(method string, params any) error {
	conn, err := t.runningConn()
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

func (t *Transport) runningConn() (*rpc.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateRunning || t.conn == nil {
		return nil, ErrNotRunning
	}
	return t.conn, nil
}

// Stop tears the child down: close stdin first (the cooperative exit
// signal), wait up to timeout for the child to exit, kill the process group
// if it is still alive, then join both background loops and fail any
// still-pending calls. Stop is idempotent and safe to call after the child
// already exited on its own. A timeout <= 0 uses DefaultStopTimeout.
func (t *Transport) Stop(timeout time.Duration) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	t.mu.Lock()
	if t.state == stateIdle {
		t.mu.Unlock()
		return nil
	}
	t.state = stateStopping
	cmd, conn, group := t.cmd, t.conn, t.group
	t.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	if err := conn.CloseWrite(); err != nil {
		t.log.Debugw("closing stdin", "error", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-conn.Done():
	case <-timer.C:
		t.log.Debugw("process did not exit in time", "pid", cmd.Process.Pid)
	}

	// Harmless if the child already exited; guarantees progress if it
	// ignored stdin closing or left stdout open.
	t.killTree(cmd)
	<-conn.Done()

	if err := group.Wait(); err != nil {
		t.log.Debugw("joining background loops", "error", err)
	}

	t.mu.Lock()
	t.state = stateIdle
	t.cmd = nil
	t.conn = nil
	t.group = nil
	t.mu.Unlock()

	t.log.Debugw("transport stopped", "command", t.command)
	return nil
}

func (t *Transport) killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Start placed the child in its own process group, so the negative pid
	// signals the child and everything it spawned.
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		t.log.Debugw("killing process group", "pid", cmd.Process.Pid, "error", err)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.log.Debugw("killing process", "pid", cmd.Process.Pid, "error", err)
		}
	}
}

// drainStderr logs each stderr line from the child until the stream ends.
func (t *Transport) drainStderr(r io.Reader) {
	log := t.log.Named("stderr")
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			log.Debug(line)
		}
	}
	if err := sc.Err(); err != nil {
		log.Debugf("stderr drain ended: %s", err)
	}
}

// stdioStream glues the child's stdout (read side) and stdin (write side)
// into the single duplex stream an rpc.Conn owns.
type stdioStream struct {
	io.Reader // child stdout
	stdin     io.WriteCloser
}

func (s *stdioStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// CloseWrite closes only stdin, asking the child to exit cleanly while
// leaving its stdout readable.
func (s *stdioStream) CloseWrite() error {
	return s.stdin.Close()
}

// Close closes stdin; the stdout pipe is owned and closed by cmd.Wait.
func (s *stdioStream) Close() error {
	return s.stdin.Close()
}
