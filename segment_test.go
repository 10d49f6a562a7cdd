package datahub_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/datahub-ipc/datahub"
	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
)

func baseCreateOptions(path string) datahub.CreateOptions {
	return datahub.CreateOptions{
		Path:               path,
		HubName:            "test-hub",
		Policy:             datahub.PolicyRingBuffer,
		ConsumerSyncPolicy: datahub.SyncSingleReader,
		PhysicalPageSize:   datahub.PageSize4K,
		RingBufferCapacity: 8,
		ChecksumPolicy:     dhchecksum.PolicyEnforced,
		SharedSecret:       0xC0FFEE,
	}
}

func Test_Create_Then_Open_Roundtrips_Header_Fields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.dhb")

	seg, err := datahub.Create(baseCreateOptions(path))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer seg.Close()

	if got, want := seg.Capacity(), uint32(8); got != want {
		t.Fatalf("Capacity()=%d, want %d", got, want)
	}

	if got, want := seg.ConsumerSyncPolicy(), datahub.SyncSingleReader; got != want {
		t.Fatalf("ConsumerSyncPolicy()=%v, want %v", got, want)
	}

	seg.Close()

	reopened, err := datahub.Open(datahub.OpenOptions{
		Path:                 path,
		ExpectedSharedSecret: 0xC0FFEE,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reopened.Close()

	if got, want := reopened.Capacity(), uint32(8); got != want {
		t.Fatalf("reopened Capacity()=%d, want %d", got, want)
	}
}

func Test_Create_Fails_If_File_Already_Exists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.dhb")

	seg, err := datahub.Create(baseCreateOptions(path))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer seg.Close()

	_, err = datahub.Create(baseCreateOptions(path))
	if !errors.Is(err, datahub.ErrInvalid) {
		t.Fatalf("second Create() error = %v, want ErrInvalid", err)
	}
}

func Test_Open_Rejects_Mismatched_Shared_Secret(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.dhb")

	seg, err := datahub.Create(baseCreateOptions(path))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	seg.Close()

	_, err = datahub.Open(datahub.OpenOptions{
		Path:                 path,
		ExpectedSharedSecret: 0xBAD,
	})
	if !errors.Is(err, datahub.ErrSecretMismatch) {
		t.Fatalf("Open() error = %v, want ErrSecretMismatch", err)
	}
}

func Test_Open_Rejects_Mismatched_Capacity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.dhb")

	seg, err := datahub.Create(baseCreateOptions(path))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	seg.Close()

	_, err = datahub.Open(datahub.OpenOptions{
		Path:                       path,
		ExpectedRingBufferCapacity: 999,
	})
	if !errors.Is(err, datahub.ErrIncompatible) {
		t.Fatalf("Open() error = %v, want ErrIncompatible", err)
	}
}

func Test_Open_Rejects_Bad_Magic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seg.dhb")

	seg, err := datahub.Create(baseCreateOptions(path))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	seg.Close()

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("setup: open for corruption: %v", err)
	}

	if _, err := f.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatalf("setup: corrupt magic: %v", err)
	}

	f.Close()

	_, err = datahub.Open(datahub.OpenOptions{Path: path})
	if !errors.Is(err, datahub.ErrMagicCorrupt) {
		t.Fatalf("Open() error = %v, want ErrMagicCorrupt", err)
	}
}

func Test_Open_Rejects_Missing_File(t *testing.T) {
	t.Parallel()

	_, err := datahub.Open(datahub.OpenOptions{Path: filepath.Join(t.TempDir(), "nope.dhb")})
	if !errors.Is(err, datahub.ErrInvalid) {
		t.Fatalf("Open() error = %v, want ErrInvalid", err)
	}
}

func Test_CreateOptions_Validate_Rejects_Policy_Capacity_Mismatch(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.Policy = datahub.PolicySingle
	opts.RingBufferCapacity = 4

	if err := opts.Validate(); !errors.Is(err, datahub.ErrInvalid) {
		t.Fatalf("Validate() error = %v, want ErrInvalid", err)
	}
}
