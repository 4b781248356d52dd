//go:build unix

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const regionFilePrefix = "ipclink_"

// CreateRegion creates and maps a zeroed file-backed region that another
// process can open by name.
func CreateRegion(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive: %d", size)
	}
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create region file %s: %w", path, err)
	}
	defer file.Close()

	cleanup := func() {
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize region file: %w", err)
	}

	mem, err := mmapFile(file, size)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &Region{name: name, mem: mem, unmap: unix.Munmap}, nil
}

// OpenRegion maps an existing region created by CreateRegion.
func OpenRegion(name string) (*Region, error) {
	path := regionPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open region file %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat region file: %w", err)
	}
	if info.Size() < RegistryHeaderSize {
		return nil, fmt.Errorf("region file too small: %d bytes", info.Size())
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		return nil, err
	}
	return &Region{name: name, mem: mem, unmap: unix.Munmap}, nil
}

// RemoveRegion deletes the backing file of a named region. Existing mappings
// stay valid until closed.
func RemoveRegion(name string) error {
	if err := os.Remove(regionPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func regionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", regionFilePrefix+name)
	}
	return filepath.Join(os.TempDir(), regionFilePrefix+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", size, err)
	}
	return mem, nil
}
