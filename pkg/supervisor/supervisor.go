// Package supervisor keeps a fleet of child processes running: it restarts
// crashed children with exponential backoff and restarts the whole fleet
// when the binary on disk is replaced (atomic deploys included).
package supervisor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// GracePeriod is the time to wait after SIGTERM before sending SIGKILL.
	GracePeriod = 10 * time.Second

	// InitialBackoff is the initial delay before restarting after an
	// abnormal exit.
	InitialBackoff = 5 * time.Second

	// MaxBackoff is the maximum delay between restarts.
	MaxBackoff = 10 * time.Minute

	// BackoffFactor is the multiplier for each successive backoff.
	BackoffFactor = 2.0

	// SuccessRunTime is how long a child must run before backoff resets.
	SuccessRunTime = 30 * time.Second

	// DebounceInterval is the delay after an fsnotify event before checking
	// the checksum.
	DebounceInterval = 100 * time.Millisecond
)

// Child describes one supervised process.
type Child struct {
	Name   string
	Binary string
	Args   []string
	Env    []string // appended to os.Environ()
}

type Supervisor struct {
	children []Child
}

func New(children ...Child) *Supervisor {
	return &Supervisor{children: children}
}

// Run supervises every child until ctx is done, then stops them all with
// SIGTERM and a bounded grace period. Each child restarts independently; one
// crash-looping worker never takes the rest of the fleet down.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, child := range s.children {
		wg.Add(1)
		go func(child Child) {
			defer wg.Done()
			s.superviseChild(ctx, child)
		}(child)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) superviseChild(ctx context.Context, child Child) {
	log := slog.With("child", child.Name)
	backoff := InitialBackoff

	updateCh := make(chan struct{}, 1)
	go watchBinary(ctx, child.Binary, updateCh)

	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.Command(child.Binary, child.Args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), child.Env...)
		if err := cmd.Start(); err != nil {
			log.Error("failed to start child", "error", err)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		log.Info("started child", "pid", cmd.Process.Pid)
		startTime := time.Now()

		childDone := make(chan error, 1)
		go func() {
			childDone <- cmd.Wait()
		}()

		select {
		case err := <-childDone:
			elapsed := time.Since(startTime)
			if elapsed >= SuccessRunTime {
				backoff = InitialBackoff
			}
			if err != nil {
				log.Warn("child exited with error", "elapsed", elapsed, "error", err)
			} else {
				// Children are long-running; a clean exit still warrants a
				// restart.
				log.Info("child exited cleanly", "elapsed", elapsed)
			}
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)

		case <-updateCh:
			log.Info("binary updated, restarting child")
			stopChild(log, cmd)
			<-childDone
			backoff = InitialBackoff

		case <-ctx.Done():
			log.Info("shutting down child")
			stopChild(log, cmd)
			<-childDone
			return
		}
	}
}

// stopChild sends SIGTERM and schedules a SIGKILL after the grace period if
// the process does not exit. The caller drains cmd.Wait.
func stopChild(log *slog.Logger, cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug("failed to send SIGTERM, process may have exited", "pid", pid, "error", err)
		return
	}
	go func() {
		time.Sleep(GracePeriod)
		if err := cmd.Process.Signal(syscall.Signal(0)); err == nil {
			log.Warn("grace period expired, killing child", "pid", pid)
			_ = cmd.Process.Kill()
		}
	}()
}

// watchBinary watches the binary's parent directory (atomic deploys replace
// the inode, so watching the file itself would go stale) and signals
// updateCh when the checksum changes.
func watchBinary(ctx context.Context, binaryPath string, updateCh chan<- struct{}) {
	binaryPath, err := filepath.EvalSymlinks(binaryPath)
	if err != nil {
		slog.Debug("binary watch disabled", "binary", binaryPath, "error", err)
		return
	}
	lastHash, err := hashFile(binaryPath)
	if err != nil {
		slog.Debug("binary watch disabled", "binary", binaryPath, "error", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("failed to create binary watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(binaryPath)); err != nil {
		slog.Warn("failed to watch binary directory", "error", err)
		return
	}
	binaryName := filepath.Base(binaryPath)

	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != binaryName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(DebounceInterval, func() {
				newHash, err := hashFile(binaryPath)
				if err != nil || newHash == lastHash {
					return
				}
				lastHash = newHash
				select {
				case updateCh <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("binary watch error", "error", err)
		}
	}
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var result [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return result, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(result[:], h.Sum(nil))
	return result, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * BackoffFactor)
	if next > MaxBackoff {
		next = MaxBackoff
	}
	return next
}
