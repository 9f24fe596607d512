// Package metadata persists learned channel parameters as one plain decimal
// file per field, the format the switch control plane reads.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/bootstrap"
)

// File names inside a channel directory.
const (
	FileQueuePair   = "tmp_qpnum"
	FileStartPSN    = "tmp_psn"
	FileRemoteAddr  = "tmp_memaddr"
	FileRemoteLen   = "tmp_memlen"
	FileRemoteKey   = "tmp_rkey"
	dirPermissions  = 0755
	filePermissions = 0644
)

// ErrIncomplete is returned by Read when a field file is missing, which
// means the handshake for that directory never completed.
var ErrIncomplete = errors.New("channel metadata incomplete")

// PortDir returns the directory holding the metadata of the channel to port.
func PortDir(root string, port uint16) string {
	return filepath.Join(root, strconv.FormatUint(uint64(port), 10))
}

// Write stores p under dir. Each file is written to a temporary name and
// renamed so readers never observe a partial value.
func Write(dir string, p bootstrap.ConnectionParameters) error {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create metadata directory %s: %w", dir, err)
	}

	fields := []struct {
		name  string
		value uint64
	}{
		{FileQueuePair, uint64(p.QueuePairNumber)},
		{FileStartPSN, uint64(p.StartPSN)},
		{FileRemoteAddr, p.RemoteAddress},
		{FileRemoteLen, uint64(p.RemoteLength)},
		{FileRemoteKey, uint64(p.RemoteKey)},
	}
	for _, f := range fields {
		if err := writeAtomic(filepath.Join(dir, f.name), strconv.FormatUint(f.value, 10)); err != nil {
			return err
		}
	}

	log.Debug().Str("dir", dir).Msg("Wrote channel metadata")
	return nil
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// Read loads the parameters stored under dir. Comm IDs are not persisted and
// are left zero.
func Read(dir string) (bootstrap.ConnectionParameters, error) {
	var p bootstrap.ConnectionParameters

	qpn, err := readField(dir, FileQueuePair, 24)
	if err != nil {
		return p, err
	}
	psn, err := readField(dir, FileStartPSN, 24)
	if err != nil {
		return p, err
	}
	addr, err := readField(dir, FileRemoteAddr, 64)
	if err != nil {
		return p, err
	}
	length, err := readField(dir, FileRemoteLen, 32)
	if err != nil {
		return p, err
	}
	rkey, err := readField(dir, FileRemoteKey, 32)
	if err != nil {
		return p, err
	}

	p.QueuePairNumber = uint32(qpn)
	p.StartPSN = uint32(psn)
	p.RemoteAddress = addr
	p.RemoteLength = uint32(length)
	p.RemoteKey = uint32(rkey)
	return p, nil
}

func readField(dir, name string, bits int) (uint64, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s missing", ErrIncomplete, path)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
