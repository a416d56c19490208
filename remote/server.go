package remote

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server hosts bridge children behind a WebSocket endpoint. Every accepted
// connection spawns its own child process; lines are piped verbatim in both
// directions, and the child is killed when the connection goes away.
type Server struct {
	log        *zap.SugaredLogger
	command    string
	args       []string
	env        map[string]string
	workingDir string
	listenAddr string

	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(s *Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("remote_server").Sugar()
	}
}

func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithEnv sets environment overrides merged over the parent environment for
// every spawned child.
func WithEnv(env map[string]string) ServerOption {
	return func(s *Server) {
		s.env = env
	}
}

func WithWorkingDir(dir string) ServerOption {
	return func(s *Server) {
		s.workingDir = dir
	}
}

// NewServer builds a Server that spawns command with args per connection.
func NewServer(command string, args []string, opts ...ServerOption) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		command:    command,
		args:       args,
		listenAddr: "127.0.0.1:8377",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the /rpc endpoint, for callers
// that mount the server into their own listener.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/rpc", s.serveRPC)
	return router
}

// Run listens on the configured address and serves until Stop.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: s.Handler()}
	s.httpServer = server
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	log := s.log.With("conn_id", uuid.NewString())
	log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	remoteConn := websocket.NetConn(ctx, wsConn, websocket.MessageText)
	defer remoteConn.Close()

	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = s.workingDir
	if len(s.env) > 0 {
		env := os.Environ()
		for k, v := range s.env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Debugf("opening stdin pipe: %s", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Debugf("opening stdout pipe: %s", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Debugf("opening stderr pipe: %s", err)
		return
	}

	if err := cmd.Start(); err != nil {
		log.Debugf("spawning process: %s", err)
		wsConn.Close(websocket.StatusInternalError, "spawning process failed")
		return
	}
	log.Debugw("process started", "pid", cmd.Process.Pid)

	// The child is scoped to the connection.
	go func() {
		<-ctx.Done()
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Debugf("killing process group: %s", err)
		}
	}()

	go func() {
		stderrLog := log.Named("stderr")
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				stderrLog.Debug(line)
			}
		}
	}()

	go func() {
		defer stdin.Close()
		if _, err := io.Copy(stdin, remoteConn); err != nil {
			log.Debugf("copy to stdin: %s", err)
		}
	}()

	if _, err := io.Copy(remoteConn, stdout); err != nil {
		log.Debugf("copy from stdout: %s", err)
	}

	cancel()
	if err := cmd.Wait(); err != nil {
		log.Debugw("process exited", "error", err)
	} else {
		log.Debug("process exited")
	}
}
