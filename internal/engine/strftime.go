// Copyright 2024 The dlogd Authors. All Rights Reserved.
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

package engine

import (
	"strconv"
	"time"
)

// Strftime renders t against a strftime(3)-style format string, the
// dialect dlogd's datetime_format config option speaks (default
// "%FT%T"). Unknown conversions are emitted verbatim, matching
// strftime's leniency rather than erroring a whole line's evaluation.
func Strftime(format string, t time.Time) string {
	out := make([]byte, 0, len(format)*2)
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			out = append(out, c)
			continue
		}
		i++
		switch format[i] {
		case 'a':
			out = append(out, t.Format("Mon")...)
		case 'A':
			out = append(out, t.Format("Monday")...)
		case 'b':
			out = append(out, t.Format("Jan")...)
		case 'B':
			out = append(out, t.Format("January")...)
		case 'd':
			out = pad2(out, t.Day())
		case 'e':
			out = append(out, t.Format("_2")...)
		case 'D':
			out = append(out, Strftime("%m/%d/%y", t)...)
		case 'F':
			out = append(out, Strftime("%Y-%m-%d", t)...)
		case 'H':
			out = pad2(out, t.Hour())
		case 'I':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			out = pad2(out, h)
		case 'j':
			yd := t.YearDay()
			out = append(out, byte('0'+yd/100), byte('0'+yd/10%10), byte('0'+yd%10))
		case 'm':
			out = pad2(out, int(t.Month()))
		case 'M':
			out = pad2(out, t.Minute())
		case 'n':
			out = append(out, '\n')
		case 'p':
			out = append(out, t.Format("PM")...)
		case 'R':
			out = append(out, Strftime("%H:%M", t)...)
		case 'S':
			out = pad2(out, t.Second())
		case 't':
			out = append(out, '\t')
		case 'T':
			out = append(out, Strftime("%H:%M:%S", t)...)
		case 'y':
			out = pad2(out, t.Year()%100)
		case 'Y':
			out = strconv.AppendInt(out, int64(t.Year()), 10)
		case 'z':
			out = append(out, t.Format("-0700")...)
		case 'Z':
			out = append(out, t.Format("MST")...)
		case '%':
			out = append(out, '%')
		default:
			out = append(out, '%', format[i])
		}
	}
	return string(out)
}

func pad2(dst []byte, v int) []byte {
	return append(dst, byte('0'+v/10%10), byte('0'+v%10))
}
