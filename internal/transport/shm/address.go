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
	"net/url"
	"strconv"
)

// Address is a parsed shm:// address.
type Address struct {
	Name string
	// Size is the requested region size in bytes; zero means the size the
	// channel layout needs.
	Size int
}

func (a Address) String() string {
	if a.Size == 0 {
		return "shm://" + a.Name
	}
	return fmt.Sprintf("shm://%s?size=%d", a.Name, a.Size)
}

// ParseAddress parses addresses of the form shm://name?size=1048576.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("parse shm address: %w", err)
	}
	if u.Scheme != "shm" {
		return Address{}, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	name := u.Host
	if name == "" {
		// Allow shm:///name
		name = u.Path
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
	}
	if name == "" {
		return Address{}, fmt.Errorf("missing shm name in %q", raw)
	}
	addr := Address{Name: name}
	if s := u.Query().Get("size"); s != "" {
		v, err := strconv.ParseUint(s, 10, 31)
		if err != nil {
			return Address{}, fmt.Errorf("invalid size: %w", err)
		}
		if v%8 != 0 {
			return Address{}, fmt.Errorf("size must be a multiple of 8: %d", v)
		}
		addr.Size = int(v)
	}
	return addr, nil
}
