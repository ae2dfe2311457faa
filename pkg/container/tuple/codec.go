// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tuple

import (
	"encoding/binary"

	"github.com/joinerydb/joinery/pkg/common/joerr"
)

// Spill record layout, per tuple:
//
//	uint16 datum count
//	per datum: 1 byte type tag, 1 byte null flag,
//	           then 8 bytes little-endian (int64/bool) or uint32 length + bytes.
//
// The format is local to one spill buffer and carries no versioning.

// Encode appends the encoding of t to buf and returns the extended slice.
func Encode(buf []byte, t Tuple) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
	for i := range t {
		d := &t[i]
		buf = append(buf, byte(d.Typ))
		if d.Null {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		switch d.Typ {
		case TBytes:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.B)))
			buf = append(buf, d.B...)
		default:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(d.I))
		}
	}
	return buf
}

// Decode parses one tuple from data. The returned tuple owns copies of all
// byte payloads so the caller may reuse data.
func Decode(data []byte) (Tuple, error) {
	if len(data) < 2 {
		return nil, joerr.NewInternal("truncated tuple record: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	t := make(Tuple, n)
	for i := 0; i < n; i++ {
		if len(data) < 2 {
			return nil, joerr.NewInternal("truncated datum header")
		}
		t[i].Typ = T(data[0])
		null := data[1] == 1
		data = data[2:]
		if null {
			t[i].Null = true
			continue
		}
		switch t[i].Typ {
		case TBytes:
			if len(data) < 4 {
				return nil, joerr.NewInternal("truncated bytes length")
			}
			l := int(binary.LittleEndian.Uint32(data))
			data = data[4:]
			if len(data) < l {
				return nil, joerr.NewInternal("truncated bytes payload")
			}
			t[i].B = append([]byte(nil), data[:l]...)
			data = data[l:]
		default:
			if len(data) < 8 {
				return nil, joerr.NewInternal("truncated fixed datum")
			}
			t[i].I = int64(binary.LittleEndian.Uint64(data))
			data = data[8:]
		}
	}
	if len(data) != 0 {
		return nil, joerr.NewInternal("trailing bytes in tuple record")
	}
	return t, nil
}
