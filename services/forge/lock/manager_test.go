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

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deadPID = 99999999

func createTestManager(t *testing.T, dir, session string) *Manager {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.SessionID = session
	cfg.WaitTimeout = 5 * time.Second
	cfg.PollInterval = 50 * time.Millisecond
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func writeLeftover(t *testing.T, dir, hash string, info Info) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, hash+".lock"), data, 0644))
}

func hostname(t *testing.T) string {
	t.Helper()
	h, err := os.Hostname()
	require.NoError(t, err)
	return h
}

func TestNewManager(t *testing.T) {
	t.Run("creates lock directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "locks")
		createTestManager(t, dir, "s1")
		_, err := os.Stat(dir)
		assert.NoError(t, err)
	})

	t.Run("requires directory", func(t *testing.T) {
		_, err := NewManager(Config{})
		assert.Error(t, err)
	})
}

func TestManager_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	m := createTestManager(t, dir, "s1")

	l, err := m.TryAcquire("abc123", "building zlib")
	require.NoError(t, err)
	assert.True(t, m.Holding("abc123"))
	assert.Equal(t, os.Getpid(), l.Info().PID)
	assert.Equal(t, "s1", l.Info().SessionID)

	data, err := os.ReadFile(filepath.Join(dir, "abc123.lock"))
	require.NoError(t, err)
	var info Info
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "building zlib", info.Reason)
	assert.Equal(t, "abc123", info.Hash)

	require.NoError(t, l.Release())
	assert.False(t, m.Holding("abc123"))

	data, err = os.ReadFile(filepath.Join(dir, "abc123.lock"))
	require.NoError(t, err, "lock files are kept")
	assert.Empty(t, data)

	assert.ErrorIs(t, l.Release(), ErrLockNotHeld)
}

func TestManager_AlreadyHeldAndInvalid(t *testing.T) {
	m := createTestManager(t, t.TempDir(), "s1")

	_, err := m.TryAcquire("abc", "first")
	require.NoError(t, err)
	_, err = m.TryAcquire("abc", "second")
	assert.ErrorIs(t, err, ErrAlreadyHeld)
	_, err = m.Acquire(context.Background(), "abc", "third")
	assert.ErrorIs(t, err, ErrAlreadyHeld)

	for _, bad := range []string{"", "../x", "a/b", ".hidden"} {
		_, err := m.TryAcquire(bad, "bad")
		assert.Error(t, err, bad)
	}
}

func TestManager_Contention(t *testing.T) {
	dir := t.TempDir()
	m1 := createTestManager(t, dir, "s1")
	m2 := createTestManager(t, dir, "s2")

	_, err := m1.TryAcquire("abc", "holder")
	require.NoError(t, err)

	_, err = m2.TryAcquire("abc", "waiter")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockContention)

	var cerr *ContentionError
	require.ErrorAs(t, err, &cerr)
	require.NotNil(t, cerr.Holder)
	assert.Equal(t, "s1", cerr.Holder.SessionID)
	assert.Equal(t, os.Getpid(), cerr.Holder.PID)
}

func TestManager_AcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	m1 := createTestManager(t, dir, "s1")
	m2 := createTestManager(t, dir, "s2")

	held, err := m1.TryAcquire("abc", "holder")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()

	start := time.Now()
	l, err := m2.Acquire(context.Background(), "abc", "waiter")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, "s2", l.Info().SessionID)
	require.NoError(t, l.Release())
}

func TestManager_AcquireTimeout(t *testing.T) {
	dir := t.TempDir()
	m1 := createTestManager(t, dir, "s1")

	cfg := DefaultConfig(dir)
	cfg.WaitTimeout = 150 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	m2, err := NewManager(cfg)
	require.NoError(t, err)
	defer m2.Close()

	_, err = m1.TryAcquire("abc", "holder")
	require.NoError(t, err)

	_, err = m2.Acquire(context.Background(), "abc", "waiter")
	var terr *LockTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrLockContention)
	assert.Equal(t, "abc", terr.Hash)
	assert.GreaterOrEqual(t, terr.Waited, 150*time.Millisecond)
}

func TestManager_AcquireCancelled(t *testing.T) {
	tests := map[string]func() (context.Context, context.CancelFunc){
		"deadline": func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 50*time.Millisecond)
		},
		"cancel": func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(80*time.Millisecond, cancel)
			return ctx, cancel
		},
	}
	for name, newCtx := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			m1 := createTestManager(t, dir, "s1")
			m2 := createTestManager(t, dir, "s2")

			_, err := m1.TryAcquire("abc", "holder")
			require.NoError(t, err)

			ctx, cancel := newCtx()
			defer cancel()
			_, err = m2.Acquire(ctx, "abc", "waiter")
			require.Error(t, err)
			assert.Equal(t, ctx.Err(), err, "wait errors are the context's own")
			assert.False(t, errors.Is(err, ErrLockContention))
		})
	}
}

func TestManager_StaleRecovery(t *testing.T) {
	t.Run("dead pid on this host", func(t *testing.T) {
		dir := t.TempDir()
		writeLeftover(t, dir, "abc", Info{Hash: "abc", PID: deadPID, Hostname: hostname(t), ExpiresAt: time.Now().Add(time.Hour)})
		m := createTestManager(t, dir, "s1")

		l, err := m.TryAcquire("abc", "recover")
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), l.Info().PID)
	})

	t.Run("expired holder on another host", func(t *testing.T) {
		dir := t.TempDir()
		writeLeftover(t, dir, "abc", Info{Hash: "abc", PID: 42, Hostname: "elsewhere", ExpiresAt: time.Now().Add(-time.Minute)})
		m := createTestManager(t, dir, "s1")

		_, err := m.TryAcquire("abc", "recover")
		require.NoError(t, err)
	})

	t.Run("live holder on another host", func(t *testing.T) {
		dir := t.TempDir()
		writeLeftover(t, dir, "abc", Info{Hash: "abc", PID: 42, Hostname: "elsewhere", ExpiresAt: time.Now().Add(time.Hour)})
		m := createTestManager(t, dir, "s1")

		_, err := m.TryAcquire("abc", "recover")
		var cerr *ContentionError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "elsewhere", cerr.Holder.Hostname)
	})
}

func TestManager_ListAndCleanup(t *testing.T) {
	dir := t.TempDir()
	writeLeftover(t, dir, "dead", Info{Hash: "dead", PID: deadPID, Hostname: hostname(t)})
	writeLeftover(t, dir, "remote", Info{Hash: "remote", PID: 42, Hostname: "elsewhere", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	m := createTestManager(t, dir, "s1")
	_, err := m.TryAcquire("live", "holding")
	require.NoError(t, err)

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []string{"dead", "live", "remote"}, []string{infos[0].Hash, infos[1].Hash, infos[2].Hash})
	assert.True(t, m.Stale(&infos[0]))
	assert.False(t, m.Stale(&infos[1]))
	assert.False(t, m.Stale(&infos[2]))

	cleaned, err := m.CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	infos, err = m.List()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	_, err = os.Stat(filepath.Join(dir, "dead.lock"))
	assert.NoError(t, err)
}

func TestManager_CloseReleasesAll(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	m1, err := NewManager(cfg)
	require.NoError(t, err)

	_, err = m1.TryAcquire("a", "x")
	require.NoError(t, err)
	_, err = m1.TryAcquire("b", "x")
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	_, err = m1.TryAcquire("c", "x")
	assert.ErrorIs(t, err, ErrManagerClosed)

	m2 := createTestManager(t, dir, "s2")
	_, err = m2.TryAcquire("a", "y")
	assert.NoError(t, err)
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(deadPID))
	assert.False(t, IsProcessAlive(0))
}
