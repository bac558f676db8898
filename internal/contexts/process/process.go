// Package process runs execution contexts as child processes speaking
// length-prefixed JSON frames on stdin and stdout.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/dohr-michael/paperpool/internal/framing"
	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

const (
	defaultKillTimeout = 5 * time.Second
	stderrTailLines    = 20
)

// Spawner starts one child process per context.
type Spawner struct {
	// Command is a shell-quoted command line. Args, when set, is used as is.
	Command     string
	Args        []string
	Dir         string
	Env         []string
	KillTimeout time.Duration
	Logger      *slog.Logger
}

// ParseCommand splits a command line with shell quoting rules. Variables
// are expanded from the environment.
func ParseCommand(line string) ([]string, error) {
	args, err := shell.Fields(line, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

func (s *Spawner) Spawn(_ context.Context, workerData any) (pool.ExecutionContext, error) {
	args := s.Args
	if len(args) == 0 {
		var err error
		if args, err = ParseCommand(s.Command); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(workerData)
	if err != nil {
		return nil, fmt.Errorf("encode worker data: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), worker.WorkerDataEnv+"="+string(data))

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	kill := s.KillTimeout
	if kill <= 0 {
		kill = defaultKillTimeout
	}
	return &Context{
		cmd:         cmd,
		log:         logger.With("command", args[0]),
		killTimeout: kill,
		exited:      make(chan struct{}),
	}, nil
}

// Context is one child process. Any exit, clean or not, is reported as a
// death.
type Context struct {
	cmd         *exec.Cmd
	log         *slog.Logger
	killTimeout time.Duration

	wmu   sync.Mutex
	stdin io.WriteCloser

	tmu   sync.Mutex
	tail  []string
	fault error

	exited    chan struct{}
	closeOnce sync.Once
}

func (c *Context) Start(h pool.Hooks) error {
	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	if err := c.cmd.Start(); err != nil {
		c.wmu.Unlock()
		return fmt.Errorf("start %s: %w", c.cmd.Path, err)
	}
	c.stdin = stdin
	c.wmu.Unlock()
	c.log = c.log.With("pid", c.cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readFrames(stdout, h.Message)
	}()
	go func() {
		defer readers.Done()
		c.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		err := c.cmd.Wait()
		close(c.exited)
		h.Died(c.exitError(err))
	}()

	h.Ready()
	return nil
}

// readFrames delivers frames until stdout closes. A corrupt stream cannot be
// resynchronized, so the child is killed and the read error becomes the
// cause of death.
func (c *Context) readFrames(r io.Reader, deliver func(protocol.Message)) {
	for {
		var msg protocol.Message
		if err := framing.ReadMessage(r, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Error("process: read frame, killing worker", "error", err)
				c.tmu.Lock()
				c.fault = err
				c.tmu.Unlock()
				_ = c.cmd.Process.Kill()
			}
			// Drain so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		deliver(msg)
	}
}

func (c *Context) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		c.log.Info("worker stderr", "line", line)

		c.tmu.Lock()
		c.tail = append(c.tail, line)
		if len(c.tail) > stderrTailLines {
			c.tail = c.tail[len(c.tail)-stderrTailLines:]
		}
		c.tmu.Unlock()
	}
}

func (c *Context) exitError(err error) error {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	switch {
	case c.fault != nil:
		err = fmt.Errorf("read frame: %w", c.fault)
	case err == nil:
		err = errors.New("process exited")
	}
	if len(c.tail) == 0 {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.Join(c.tail, "\n"))
}

// Send writes one frame to the child's stdin.
func (c *Context) Send(msg protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.stdin == nil {
		return errors.New("process not started")
	}
	return framing.WriteMessage(c.stdin, msg)
}

// Close ends the child's input stream and kills it if it has not exited
// after the kill timeout.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		started := c.cmd.Process != nil
		c.wmu.Unlock()
		if !started {
			return
		}

		go func() {
			select {
			case <-c.exited:
			case <-time.After(c.killTimeout):
				c.log.Warn("process: kill after timeout", "timeout", c.killTimeout)
				_ = c.cmd.Process.Kill()
			}
		}()
	})
	return nil
}
