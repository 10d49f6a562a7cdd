package dhmutex_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datahub-ipc/datahub/pkg/dhmutex"
)

func Test_TryLock_Succeeds_On_Unlocked_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	m, err := dhmutex.New(path)
	if err != nil {
		t.Fatalf("New() error=%v", err)
	}
	defer m.Close()

	if err := m.TryLock(); err != nil {
		t.Fatalf("TryLock() error=%v, want nil", err)
	}
}

func Test_TryLock_Fails_With_ErrBusy_When_Already_Locked_By_Another_Handle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	a, err := dhmutex.New(path)
	if err != nil {
		t.Fatalf("New(a) error=%v", err)
	}
	defer a.Close()

	if err := a.TryLock(); err != nil {
		t.Fatalf("a.TryLock() error=%v", err)
	}

	b, err := dhmutex.New(path)
	if err != nil {
		t.Fatalf("New(b) error=%v", err)
	}
	defer b.Close()

	err = b.TryLock()
	if !errors.Is(err, dhmutex.ErrBusy) {
		t.Fatalf("b.TryLock() error=%v, want ErrBusy", err)
	}
}

func Test_Unlock_Then_TryLock_From_Another_Handle_Succeeds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	a, _ := dhmutex.New(path)
	defer a.Close()

	if err := a.TryLock(); err != nil {
		t.Fatalf("a.TryLock() error=%v", err)
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("a.Unlock() error=%v", err)
	}

	b, _ := dhmutex.New(path)
	defer b.Close()

	if err := b.TryLock(); err != nil {
		t.Fatalf("b.TryLock() error=%v after a.Unlock(), want nil", err)
	}
}

func Test_Lock_Blocks_Until_Context_Deadline_When_Held(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	a, _ := dhmutex.New(path)
	defer a.Close()

	if err := a.TryLock(); err != nil {
		t.Fatalf("a.TryLock() error=%v", err)
	}

	b, _ := dhmutex.New(path)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Lock(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("b.Lock() error=%v, want context.DeadlineExceeded", err)
	}
}

func Test_Lock_Succeeds_Once_Holder_Releases_Before_Deadline(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	a, _ := dhmutex.New(path)
	if err := a.TryLock(); err != nil {
		t.Fatalf("a.TryLock() error=%v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.Close()
	}()

	b, _ := dhmutex.New(path)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := b.Lock(ctx); err != nil {
		t.Fatalf("b.Lock() error=%v, want nil once a releases", err)
	}
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")
	m, _ := dhmutex.New(path)

	if err := m.TryLock(); err != nil {
		t.Fatalf("TryLock() error=%v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("first Close() error=%v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error=%v, want nil (idempotent)", err)
	}
}

func Test_OwnerPID_Reads_Back_The_Locking_Process_PID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")
	m, _ := dhmutex.New(path)
	defer m.Close()

	if err := m.TryLock(); err != nil {
		t.Fatalf("TryLock() error=%v", err)
	}

	pid, err := dhmutex.OwnerPID(path)
	if err != nil {
		t.Fatalf("OwnerPID() error=%v", err)
	}

	if got, want := pid, os.Getpid(); got != want {
		t.Fatalf("OwnerPID()=%d, want %d", got, want)
	}
}

func Test_IsProcessAlive_True_For_Self_And_False_For_Invalid_PID(t *testing.T) {
	t.Parallel()

	if !dhmutex.IsProcessAlive(os.Getpid()) {
		t.Fatalf("IsProcessAlive(self)=false, want true")
	}

	if dhmutex.IsProcessAlive(0) {
		t.Fatalf("IsProcessAlive(0)=true, want false")
	}

	if dhmutex.IsProcessAlive(-1) {
		t.Fatalf("IsProcessAlive(-1)=true, want false")
	}
}

func Test_AcquireInProcessGuard_Serializes_Same_Process_Callers(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.lock")

	order := make(chan int, 2)

	g1 := dhmutex.AcquireInProcessGuard(path)

	done := make(chan struct{})
	go func() {
		g2 := dhmutex.AcquireInProcessGuard(path)
		order <- 2
		g2.Release()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	order <- 1
	g1.Release()

	<-done
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("guard acquisition order=%v, want [1 2]", got)
	}
}
