package adapter

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nixxel-company-limited/pjl-scancounter/endpoint"
)

// QueueAdapter submits frames as raw jobs to a named print queue: CUPS
// `lp -o raw` on Unix, a copy to \\localhost\<name> on Windows.
type QueueAdapter struct {
	name        string
	goos        string
	exec        Executor
	execTimeout time.Duration
	isOpen      bool
	mu          sync.Mutex
	logger      zerolog.Logger
}

// NewQueueAdapter creates an unopened adapter for the named queue.
func NewQueueAdapter(name string, opts Options) *QueueAdapter {
	opts = opts.withDefaults()

	return &QueueAdapter{
		name:        name,
		goos:        opts.GOOS,
		exec:        opts.Executor,
		execTimeout: opts.ExecTimeout,
		logger:      opts.Logger.With().Str("component", "queue").Str("queue", name).Logger(),
	}
}

// Open checks with lpstat that the queue exists. Windows has no cheap
// equivalent, so the first Send is the check there.
func (a *QueueAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return ErrAlreadyOpen
	}

	if a.goos != "windows" {
		ctx, cancel := context.WithTimeout(context.Background(), a.execTimeout)
		defer cancel()

		if _, err := a.exec.Run(ctx, nil, "lpstat", "-p", a.name); err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	a.isOpen = true
	a.logger.Debug().Msg("Print queue ready")

	return nil
}

// Send submits the frame as one raw job.
func (a *QueueAdapter) Send(frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.execTimeout)
	defer cancel()

	if a.goos != "windows" {
		if _, err := a.exec.Run(ctx, frame, "lp", "-d", a.name, "-o", "raw"); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return nil
	}

	tmp, err := writeTempFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer os.Remove(tmp)

	if _, err := a.exec.Run(ctx, nil, "cmd", "/C", "copy", "/B", tmp, `\\localhost\`+a.name); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	return nil
}

// TryReceive always fails: print queues are write-only.
func (a *QueueAdapter) TryReceive(time.Duration) (string, error) {
	return "", ErrUnsupported
}

func (a *QueueAdapter) CanReceive() bool {
	return false
}

func (a *QueueAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.isOpen = false
	return nil
}

func (a *QueueAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

func (a *QueueAdapter) Kind() endpoint.Kind {
	return endpoint.KindPrintQueue
}
