// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OpenFile opens the log file named by pattern for appending, creating any
// missing parent directories. The pattern may contain "%TIMESTAMP%" and
// "%PID%", which are expanded. An empty pattern returns a nil file.
func OpenFile(pattern string) (*os.File, error) {
	if len(pattern) == 0 {
		return nil, nil
	}

	path := strings.ReplaceAll(pattern, "%TIMESTAMP%", time.Now().Format("20060102-150405.000000"))
	path = strings.ReplaceAll(path, "%PID%", fmt.Sprint(os.Getpid()))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}

// NewEmitter returns an emitter writing to f in the named format, either
// "text" or "json".
func NewEmitter(format string, f *os.File) (Emitter, error) {
	switch format {
	case "text":
		return GoogleEmitter{&Writer{Next: f}}, nil
	case "json":
		return JSONEmitter{&Writer{Next: f}}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", format)
}
