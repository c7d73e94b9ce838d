package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by TryLock/TryRLock when the lock is held by
	// another process, and by *WithTimeout when the acquisition deadline passes.
	ErrWouldBlock = errors.New("lock would block")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Locker provides file-based locking using flock(2) via [golang.org/x/sys/unix].
//
// flock locks an inode (the open file), not a pathname. Callers should lock a
// dedicated, stable lock file path and avoid replacing/unlinking that lock
// file while locks may be held elsewhere.
//
// Locker has no mutable state beyond its dependencies and is safe for
// concurrent use as long as the underlying [FS] is.
type Locker struct {
	fs FS
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{fs: fs}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu   sync.Mutex
	file File
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent; subsequent calls return nil. On Unix, closing the
// descriptor also drops any flock held through it, so Close attempts an
// explicit unlock first and closes regardless of whether that succeeds.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

type lockType int

const (
	sharedLock    lockType = unix.LOCK_SH
	exclusiveLock lockType = unix.LOCK_EX
)

// Lock acquires an exclusive lock on the file at path, blocking until ctx is
// done or the lock is acquired.
//
// If the file or its parent directories do not exist, they are created
// lazily. Race conditions where the file at path is replaced while waiting
// are detected and retried transparently; see [Locker.inodeMatchesPath].
func (l *Locker) Lock(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, exclusiveLock, false)
}

// RLock acquires a shared (read) lock on the file at path, blocking until ctx
// is done or the lock is acquired.
//
// Multiple processes can hold shared locks simultaneously; a shared lock
// blocks exclusive locks and vice versa.
func (l *Locker) RLock(ctx context.Context, path string) (*Lock, error) {
	return l.lockPolling(ctx, path, sharedLock, false)
}

// LockWithTimeout is an alias for [Locker.Lock] whose ctx already carries a
// deadline; kept for call-site clarity at lock acquisition points.
func (l *Locker) LockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.Lock(ctx, path)
}

// RLockWithTimeout is an alias for [Locker.RLock] whose ctx already carries a
// deadline; kept for call-site clarity at lock acquisition points.
func (l *Locker) RLockWithTimeout(ctx context.Context, path string) (*Lock, error) {
	return l.RLock(ctx, path)
}

// TryLock attempts to acquire an exclusive lock without blocking.
//
// Returns [ErrWouldBlock] immediately if the lock is held by another process.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(context.Background(), path, exclusiveLock, true)
}

// TryRLock attempts to acquire a shared lock without blocking.
//
// Returns [ErrWouldBlock] immediately if an exclusive lock is held elsewhere.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(context.Background(), path, sharedLock, true)
}

// lockPolling attempts to acquire a lock using non-blocking flock with
// exponential backoff (1ms to 25ms), polling until ctx is done (or, for
// tryOnce, after a single attempt).
func (l *Locker) lockPolling(ctx context.Context, path string, lt lockType, tryOnce bool) (*Lock, error) {
	backoff := time.Millisecond
	openFlag := openFlagForLockType(lt)

	for {
		file, err := l.openLockFile(path, openFlag)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if tryOnce {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			return nil, ErrWouldBlock
		}

		select {
		case <-ctx.Done():
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: %w (lock file was replaced while acquiring lock)", ErrWouldBlock, ctx.Err())
			}

			return nil, fmt.Errorf("%w: %w", ErrWouldBlock, ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// acquire attempts to flock the given file and verify the inode still
// matches path. On success, the file is locked and ready to use. On failure,
// the file is unlocked (if needed) but NOT closed - the caller must close it.
func (l *Locker) acquire(file File, path string, lt lockType) error {
	fd := int(file.Fd())

	flags := int(lt) | unix.LOCK_NB

	if err := flockRetryEINTR(fd, flags); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about to
// use as the lock) still refers to the file currently at path.
//
// flock locks by inode, not pathname: a pathname can be replaced while we are
// acquiring the lock (or blocked waiting for it) by a rename or a
// delete+recreate. Without this check two callers can each believe they hold
// "the lock on path" while actually holding locks on two different inodes.
// On mismatch, callers unlock and retry against whatever is at path now.
//
// This compares raw (dev,ino) via [unix.Fstat]/[unix.Stat] rather than
// [File.Stat]/[FS.Stat], since os.FileInfo.Sys() returns a *syscall.Stat_t
// which is not the same Go type as [unix.Stat_t] even though they share a
// layout.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	var openStat unix.Stat_t

	err := unix.Fstat(int(f.Fd()), &openStat)
	if err != nil {
		return false, err
	}

	var pathStat unix.Stat_t

	err = unix.Stat(path, &pathStat)
	if err != nil {
		return false, err
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}

	return os.O_RDWR
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete; the syscall didn't fail, it just needs to be retried. The retry
// count is capped to avoid spinning forever under a pathological signal
// storm; in practice this limit should never be hit.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
