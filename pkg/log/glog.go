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
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) String() string {
	return string(b.data)
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

func (b *buffer) writeDigits(v, width int, pad byte) {
	var d [20]byte
	i := len(d)
	for v >= 10 && i > 0 {
		i--
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	i--
	d[i] = '0' + byte(v)
	for n := len(d) - i; n < width; n++ {
		b.write(pad)
	}
	b.data = append(b.data, d[i:]...)
}

// pid is the process identifier, padded to seven columns.
var pid = os.Getpid()

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg...
//
// where L is a single character representing the log level.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	switch level {
	case Debug:
		b.write('D')
	case Info:
		b.write('I')
	case Warning:
		b.write('W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2, '0')
	b.writeDigits(day, 2, '0')
	b.write(' ')
	b.writeDigits(hour, 2, '0')
	b.write(':')
	b.writeDigits(minute, 2, '0')
	b.write(':')
	b.writeDigits(second, 2, '0')
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6, '0')
	b.write(' ')

	b.writeDigits(pid, 7, ' ')
	b.write(' ')

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		b.writeString(file)
		b.write(':')
		b.writeDigits(line, 0, ' ')
	} else {
		b.writeString("???:0")
	}
	b.writeString("] ")

	// The user format is escaped so it can be passed through as an
	// argument rather than reinterpreted.
	b.writeString(strings.ReplaceAll(fmt.Sprintf(format, args...), "%", "%%"))
	b.write('\n')

	g.Emitter.Emit(depth+1, level, timestamp, b.String())
}
