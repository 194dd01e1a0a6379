// Package receiver launches and supervises the external AirPlay 2
// receiver binary for one group, inside an isolated network namespace
// with its own macvlan identity, and streams its raw PCM stdout to a
// caller-supplied callback. Grounded on the fork/exec/pipe-read shape of
// the original Shairport process wrapper, reworked around os/exec and a
// supervisor goroutine instead of a raw fork+exec+dup2 sequence.
package receiver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/loomcast/airloom/internal/netsetup"
)

// candidatePaths is searched, in order, for the receiver binary, per
// spec.md §6.
var candidatePaths = []string{
	"shiri-bridge/third_party/shairport-sync/shairport-sync",
	"../third_party/shairport-sync/shairport-sync",
	"third_party/shairport-sync/shairport-sync",
	"/usr/local/bin/shairport-sync",
}

// readBufSize is the pipe read buffer size. It is unrelated to the engine's
// ChunkBytes; reads need not align to chunks, since Ingest re-chunks.
const readBufSize = 4096

// Callback is invoked with each freshly read, non-empty PCM buffer. It
// must not block; the engine's Ingest is expected to be cheap (append +
// maybe enqueue under a lock it already needs to take).
type Callback func(pcm []byte)

// Process supervises one external receiver instance for one group.
type Process struct {
	log *slog.Logger

	groupName       string
	port            int
	parentInterface string
	netHandle       netsetup.Handle

	callback Callback

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	bytesReceived    atomic.Int64
	lastChunkBytes   atomic.Int64
	lastChunkAtMilli atomic.Int64
}

// New creates a Process for groupName, bound to port inside a fresh
// network namespace riding on parentInterface. hexSuffix names the
// namespace/macvlan pair (see internal/netsetup).
func New(log *slog.Logger, groupName string, port int, parentInterface, hexSuffix string) *Process {
	if log == nil {
		log = slog.Default()
	}
	return &Process{
		log:             log.With("component", "receiver", "group", groupName),
		groupName:       groupName,
		port:            port,
		parentInterface: parentInterface,
		netHandle:       netsetup.New(hexSuffix, parentInterface),
	}
}

// SetCallback registers the function invoked with each freshly read PCM
// buffer. Must be called before Start.
func (p *Process) SetCallback(cb Callback) { p.callback = cb }

// Start spawns the namespace, macvlan, and receiver binary, and launches
// the background reader goroutine. It returns once the child process has
// been started (not once it is ready to accept AirPlay connections).
func (p *Process) Start(ctx context.Context) error {
	if err := p.netHandle.Create(ctx); err != nil {
		return err
	}
	if err := p.netHandle.BringUp(ctx); err != nil {
		p.netHandle.Teardown(ctx)
		return err
	}

	binPath, err := locateBinary()
	if err != nil {
		p.netHandle.Teardown(ctx)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	args := p.netHandle.LaunchArgs(binPath, p.groupName, p.port)
	cmd := exec.CommandContext(runCtx, "ip", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		p.netHandle.Teardown(ctx)
		return fmt.Errorf("receiver: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		p.netHandle.Teardown(ctx)
		return fmt.Errorf("receiver: start: %w", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})

	go p.readLoop(stdout)

	p.log.Info("receiver process started", "port", p.port, "namespace", p.netHandle.Namespace)
	return nil
}

func (p *Process) readLoop(stdout io.ReadCloser) {
	defer close(p.done)

	r := bufio.NewReaderSize(stdout, readBufSize)
	buf := make([]byte, readBufSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.bytesReceived.Add(int64(n))
			p.lastChunkBytes.Store(int64(n))
			p.lastChunkAtMilli.Store(time.Now().UnixMilli())
			if p.callback != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.callback(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Warn("receiver stdout read error", "error", err)
			}
			return
		}
	}
}

// Stop sends termination, reaps the child, joins the reader goroutine,
// and tears down the namespace/macvlan.
func (p *Process) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Wait()
	}
	if p.done != nil {
		<-p.done
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.netHandle.Teardown(teardownCtx); err != nil {
		p.log.Warn("namespace teardown failed", "error", err)
	}
}

// BytesReceived returns the total bytes read from the receiver's stdout.
func (p *Process) BytesReceived() int64 { return p.bytesReceived.Load() }

// LastChunkBytes returns the size of the most recently read buffer.
func (p *Process) LastChunkBytes() int64 { return p.lastChunkBytes.Load() }

// MillisSinceLastChunk returns the time since the last non-empty read, or
// -1 if no chunk has arrived yet.
func (p *Process) MillisSinceLastChunk() int64 {
	last := p.lastChunkAtMilli.Load()
	if last == 0 {
		return -1
	}
	return time.Now().UnixMilli() - last
}

func locateBinary() (string, error) {
	for _, path := range candidatePaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("receiver: binary not found in any candidate path: %v", candidatePaths)
}
