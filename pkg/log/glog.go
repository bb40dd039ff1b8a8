// Copyright 2024 The gVisor Authors.
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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// levelChars are the glog severity letters, indexed by Level.
var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// pid fills the thread id column, space padded to 7 like glog.
var pid = appendPadded(nil, os.Getpid(), 7, ' ')

// appendPadded appends v in decimal, left padded with pad to width.
func appendPadded(b []byte, v, width int, pad byte) []byte {
	var d [20]byte
	s := strconv.AppendInt(d[:0], int64(v), 10)
	for i := len(s); i < width; i++ {
		b = append(b, pad)
	}
	return append(b, s...)
}

// header appends the glog line header:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line]
func header(b []byte, level Level, timestamp time.Time, file string, line int) []byte {
	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}
	b = append(b, c)
	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b = appendPadded(b, int(month), 2, '0')
	b = appendPadded(b, day, 2, '0')
	b = append(b, ' ')
	b = appendPadded(b, hour, 2, '0')
	b = append(b, ':')
	b = appendPadded(b, minute, 2, '0')
	b = append(b, ':')
	b = appendPadded(b, second, 2, '0')
	b = append(b, '.')
	b = appendPadded(b, timestamp.Nanosecond()/1000, 6, '0')
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, file...)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(line), 10)
	return append(b, "] "...)
}

// caller returns the base name and line of the caller depth frames up.
func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file, line
}

// Emit emits the message, google-style. The format string is prefixed with
// the header and passed on unexpanded.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	file, line := caller(depth + 1)
	b := header(local[:0], level, timestamp, file, line)
	b = append(b, format...)
	b = append(b, '\n')
	g.Writer.Emit(depth+1, level, timestamp, string(b), args...)
}
