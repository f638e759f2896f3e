// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

// Package lock provides exclusive cross-process locks keyed by dag hash.
//
// Each hash owns a lock file <dir>/<hash>.lock. The holder flocks it and
// writes an Info record into it; releasing truncates the record. Lock files
// are never deleted, so a waiter with an open descriptor stays consistent.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

const lockExt = ".lock"

// Info describes a lock holder.
type Info struct {
	Hash      string    `json:"hash"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// IsExpired reports whether the TTL has passed.
func (i *Info) IsExpired() bool {
	return !i.ExpiresAt.IsZero() && time.Now().After(i.ExpiresAt)
}

// Config configures a Manager.
type Config struct {
	// Dir holds the lock files. Created if missing.
	Dir string

	// SessionID is recorded in holder info.
	SessionID string

	// TTL bounds how long a holder on another host is trusted.
	TTL time.Duration

	// WaitTimeout is the ceiling for Acquire. Zero waits until ctx ends.
	WaitTimeout time.Duration

	// PollInterval is the fallback re-check interval when no fs event arrives.
	PollInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		TTL:          24 * time.Hour,
		WaitTimeout:  30 * time.Minute,
		PollInterval: time.Second,
	}
}

// Manager hands out per-hash locks.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	dir          string
	sessionID    string
	hostname     string
	ttl          time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	locker       FileLocker
	logger       *slog.Logger

	mu     sync.Mutex
	held   map[string]*Lock
	subs   map[string][]chan struct{}
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Lock is one held lock. Release it exactly once.
type Lock struct {
	m    *Manager
	file *os.File
	info Info
}

// Hash returns the locked dag hash.
func (l *Lock) Hash() string { return l.info.Hash }

// Info returns the holder record written for this lock.
func (l *Lock) Info() Info { return l.info }

// Release truncates the holder record and unlocks.
func (l *Lock) Release() error { return l.m.release(l) }

// NewManager creates a Manager.
//
// # Description
//
// Creates the lock directory and starts watching it so waiters wake as soon
// as a holder releases.
//
// # Outputs
//
//   - *Manager: Ready to use. Call Close when done.
//   - error: Non-nil if the directory or watcher cannot be created.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("lock: directory is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", cfg.Dir, err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", cfg.Dir, err)
	}

	m := &Manager{
		dir:          cfg.Dir,
		sessionID:    cfg.SessionID,
		hostname:     host,
		ttl:          cfg.TTL,
		waitTimeout:  cfg.WaitTimeout,
		pollInterval: cfg.PollInterval,
		locker:       UnixFileLocker{},
		logger:       logger.With("component", "lock"),
		held:         make(map[string]*Lock),
		subs:         make(map[string][]chan struct{}),
		watcher:      watcher,
		done:         make(chan struct{}),
	}
	go m.watchLoop()
	return m, nil
}

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

// TryAcquire takes the lock for hash without waiting.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: *ContentionError (wrapping ErrLockContention) if held elsewhere.
func (m *Manager) TryAcquire(hash, reason string) (*Lock, error) {
	if err := validHash(hash); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.held[hash]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyHeld, hash)
	}

	f, err := os.OpenFile(m.path(hash), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file for %s: %w", hash, err)
	}
	if err := m.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrFileLocked) {
			holder, _ := m.readInfo(hash)
			return nil, &ContentionError{Hash: hash, Holder: holder}
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", hash, err)
	}

	prev, err := readInfoFrom(f)
	if err != nil {
		m.logger.Warn("Unreadable lock info, overwriting", "hash", hash, "error", err)
		prev = nil
	}
	if prev != nil {
		if prev.Hostname != m.hostname && !prev.IsExpired() {
			m.locker.Unlock(f)
			f.Close()
			return nil, &ContentionError{Hash: hash, Holder: prev}
		}
		staleRecovered.Inc()
		m.logger.Warn("StaleLockRecovered",
			"hash", hash,
			"old_pid", prev.PID,
			"old_host", prev.Hostname,
			"old_session", prev.SessionID,
			"expired", prev.IsExpired())
	}

	now := time.Now().UTC()
	l := &Lock{
		m:    m,
		file: f,
		info: Info{
			Hash:      hash,
			PID:       os.Getpid(),
			Hostname:  m.hostname,
			SessionID: m.sessionID,
			LockedAt:  now,
			ExpiresAt: now.Add(m.ttl),
			Reason:    reason,
		},
	}
	if err := writeInfoTo(f, &l.info); err != nil {
		m.locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}
	m.held[hash] = l
	lockAcquired.Inc()
	m.logger.Debug("Acquired lock", "hash", hash, "reason", reason)
	return l, nil
}

// Acquire takes the lock for hash, waiting while another process holds it.
//
// # Description
//
// Waiting wakes on fs events for the lock file, with a rate-limited poll as
// fallback for holders that die without releasing.
//
// # Outputs
//
//   - *Lock: The held lock.
//   - error: *LockTimeoutError once WaitTimeout elapses, or ctx.Err().
func (m *Manager) Acquire(ctx context.Context, hash, reason string) (*Lock, error) {
	l, err := m.TryAcquire(hash, reason)
	if err == nil || !errors.Is(err, ErrLockContention) || errors.Is(err, ErrAlreadyHeld) {
		return l, err
	}

	start := time.Now()
	var holder *Info
	var cerr *ContentionError
	if errors.As(err, &cerr) {
		holder = cerr.Holder
	}
	m.logger.Info("Waiting for lock", "hash", hash, "holder_pid", pidOf(holder))

	notify, unsubscribe := m.subscribe(hash)
	defer unsubscribe()

	var deadline <-chan time.Time
	if m.waitTimeout > 0 {
		timer := time.NewTimer(m.waitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()
	limiter := rate.NewLimiter(rate.Every(m.pollInterval/10+time.Millisecond), 1)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			lockTimeouts.Inc()
			lockWaitSeconds.Observe(time.Since(start).Seconds())
			return nil, &LockTimeoutError{Hash: hash, Waited: time.Since(start), Holder: holder}
		case <-notify:
		case <-poll.C:
		}
		if delay := limiter.Reserve().Delay(); delay > 0 {
			pause := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				pause.Stop()
				return nil, ctx.Err()
			case <-pause.C:
			}
		}

		l, err := m.TryAcquire(hash, reason)
		if err == nil {
			lockWaitSeconds.Observe(time.Since(start).Seconds())
			return l, nil
		}
		if !errors.As(err, &cerr) {
			return nil, err
		}
		holder = cerr.Holder
	}
}

func (m *Manager) release(l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[l.info.Hash] != l {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.info.Hash)
	}
	delete(m.held, l.info.Hash)
	return m.releaseLocked(l)
}

func (m *Manager) releaseLocked(l *Lock) error {
	var firstErr error
	if err := l.file.Truncate(0); err != nil {
		firstErr = err
	}
	if err := m.locker.Unlock(l.file); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.logger.Debug("Released lock", "hash", l.info.Hash)
	return firstErr
}

// Holding reports whether this manager holds the lock for hash.
func (m *Manager) Holding(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[hash]
	return ok
}

// List reports every lock file with a holder record, sorted by hash.
// Records left by dead or expired holders are included; see Stale.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("reading lock directory: %w", err)
	}
	var out []Info
	for _, e := range entries {
		hash, ok := hashOf(e)
		if !ok {
			continue
		}
		info, err := m.readInfo(hash)
		if err != nil {
			m.logger.Warn("Failed to read lock info", "hash", hash, "error", err)
			continue
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

// Stale reports whether info was left by a holder that is gone: expired, or
// a dead process on this host.
func (m *Manager) Stale(info *Info) bool {
	if info.IsExpired() {
		return true
	}
	return info.Hostname == m.hostname && !IsProcessAlive(info.PID)
}

// CleanupStale truncates holder records whose lock is free and whose holder
// is stale. Lock files themselves are kept.
//
// # Outputs
//
//   - int: Number of records cleared.
//   - error: Non-nil if the directory cannot be read.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}
	cleaned := 0
	for _, e := range entries {
		hash, ok := hashOf(e)
		if !ok || m.Holding(hash) {
			continue
		}
		f, err := os.OpenFile(m.path(hash), os.O_RDWR, 0)
		if err != nil {
			continue
		}
		if err := m.locker.Lock(f); err != nil {
			f.Close()
			continue
		}
		info, err := readInfoFrom(f)
		if err == nil && info != nil && m.Stale(info) {
			if err := f.Truncate(0); err == nil {
				cleaned++
				staleRecovered.Inc()
				m.logger.Info("Cleaned up stale lock", "hash", hash, "pid", info.PID, "expired", info.IsExpired())
			}
		}
		m.locker.Unlock(f)
		f.Close()
	}
	return cleaned, nil
}

// Close releases every held lock and stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var firstErr error
	for hash, l := range m.held {
		if err := m.releaseLocked(l); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.held, hash)
	}
	m.mu.Unlock()

	if err := m.watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-m.done
	return firstErr
}

// =============================================================================
// Internal helpers
// =============================================================================

func (m *Manager) path(hash string) string {
	return filepath.Join(m.dir, hash+lockExt)
}

func validHash(hash string) error {
	if hash == "" || strings.ContainsAny(hash, `/\`) || strings.HasPrefix(hash, ".") {
		return fmt.Errorf("lock: invalid hash %q", hash)
	}
	return nil
}

func hashOf(e os.DirEntry) (string, bool) {
	if e.IsDir() || filepath.Ext(e.Name()) != lockExt {
		return "", false
	}
	return strings.TrimSuffix(e.Name(), lockExt), true
}

func (m *Manager) readInfo(hash string) (*Info, error) {
	data, err := os.ReadFile(m.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeInfo(data)
}

func readInfoFrom(f *os.File) (*Info, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return decodeInfo(data)
}

func decodeInfo(data []byte) (*Info, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func writeInfoTo(f *os.File, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func pidOf(info *Info) int {
	if info == nil {
		return 0
	}
	return info.PID
}

// subscribe returns a channel signalled on fs events for hash's lock file.
func (m *Manager) subscribe(hash string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs[hash] = append(m.subs[hash], ch)
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[hash]
		for i, c := range subs {
			if c == ch {
				m.subs[hash] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(m.subs[hash]) == 0 {
			delete(m.subs, hash)
		}
	}
}

// watchLoop handles fsnotify events.
func (m *Manager) watchLoop() {
	defer close(m.done)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if filepath.Ext(name) != lockExt {
				continue
			}
			m.notify(strings.TrimSuffix(name, lockExt))

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Lock directory watcher error", "error", err)
		}
	}
}

func (m *Manager) notify(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[hash] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
