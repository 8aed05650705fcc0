package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// Subprocess drives an external agent CLI. One process lives per session: a
// query writes one JSON line to stdin and streams fragment JSON lines from
// stdout until the result line. The node's workspace is the process working
// directory.
type Subprocess struct {
	command string
	args    []string
	workdir string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	interruptMu sync.Mutex
	interrupted bool
}

// NewSubprocess builds a driver for the given agent command. args are passed
// verbatim; workdir is the session's node workspace.
func NewSubprocess(command string, args []string, workdir string) *Subprocess {
	return &Subprocess{command: command, args: args, workdir: workdir}
}

// SubprocessFactory returns a driver factory that launches command for every
// agent session, rooted in the node's workspace.
func SubprocessFactory(command string, args ...string) Factory {
	return func(node *model.Node, sessionID string) (Driver, error) {
		if command == "" {
			return nil, fmt.Errorf("agent command not configured")
		}
		return NewSubprocess(command, args, node.Workspace), nil
	}
}

func (p *Subprocess) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, p.command, p.args...)
	if p.workdir != "" {
		cmd.Dir = p.workdir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", p.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	p.cmd = cmd
	p.stdin = stdin
	p.scanner = scanner
	p.cancel = cancel
	return nil
}

func (p *Subprocess) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	_ = p.stdin.Close()
	p.cancel()
	err := p.cmd.Wait()
	p.cmd = nil
	p.stdin = nil
	p.scanner = nil
	if err != nil {
		// Expected after cancel; only surface unusual failures.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
	}
	return nil
}

// Interrupt marks the in-flight stream for early termination. The stream
// stops at the next fragment boundary; the process itself stays alive for
// the next turn.
func (p *Subprocess) Interrupt() {
	p.interruptMu.Lock()
	p.interrupted = true
	p.interruptMu.Unlock()
}

func (p *Subprocess) takeInterrupt() bool {
	p.interruptMu.Lock()
	defer p.interruptMu.Unlock()
	if p.interrupted {
		p.interrupted = false
		return true
	}
	return false
}

// queryRequest is the line written to the agent process per turn.
type queryRequest struct {
	Text string `json:"text"`
}

func (p *Subprocess) Query(ctx context.Context, text string) (<-chan Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil, ErrNotConnected
	}

	p.interruptMu.Lock()
	p.interrupted = false
	p.interruptMu.Unlock()

	req, err := json.Marshal(queryRequest{Text: text})
	if err != nil {
		return nil, err
	}
	if _, err := p.stdin.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	scanner := p.scanner
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for scanner.Scan() {
			if p.takeInterrupt() {
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var frag Fragment
			if err := json.Unmarshal(line, &frag); err != nil {
				slog.Warn("agent stream line skipped", "error", err)
				continue
			}
			select {
			case out <- frag:
			case <-ctx.Done():
				return
			}
			if frag.Kind == FragmentResult {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("agent stream ended", "error", err)
		}
	}()
	return out, nil
}
