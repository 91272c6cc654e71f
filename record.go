/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"net"
	"time"
)

// Record is a read-only, typed view over a decoded DataRecord. It exists so callers that
// only care about a handful of well-known Information Elements don't need to walk
// dr.Fields and type-switch DataType themselves, the way dataRecordToIE in rfc5610.go
// does internally. Record never copies field data; every accessor reads straight through
// to the underlying DataRecord's Fields.
type Record struct {
	dr *DataRecord
}

// NewRecord wraps dr for typed field access. A nil dr is valid and behaves as an empty
// record: every accessor returns its zero value and ok=false.
func NewRecord(dr *DataRecord) Record {
	return Record{dr: dr}
}

// TemplateId returns the template id the wrapped DataRecord was decoded against.
func (r Record) TemplateId() uint16 {
	if r.dr == nil {
		return 0
	}
	return r.dr.TemplateId
}

// Fields returns the underlying ordered field list, for callers needing full iteration
// (e.g. export or re-encoding) rather than named lookup.
func (r Record) Fields() []Field {
	if r.dr == nil {
		return nil
	}
	return r.dr.Fields
}

// Field returns the first field matching (enterpriseId, name), mirroring
// DataRecord.getFieldByName, or nil if the record carries no such field.
func (r Record) Field(enterpriseId uint32, name string) Field {
	if r.dr == nil {
		return nil
	}
	return r.dr.getFieldByName(enterpriseId, name)
}

// FieldAt looks up a field by its canonical identity (enterprise number, element id)
// rather than by name, useful when the caller only knows the numeric IE identity.
func (r Record) FieldAt(enterpriseId uint32, id uint16) Field {
	if r.dr == nil {
		return nil
	}
	for _, f := range r.dr.Fields {
		if f.PEN() == enterpriseId && f.Id() == id {
			return f
		}
	}
	return nil
}

func (r Record) value(enterpriseId uint32, name string) (any, bool) {
	f := r.Field(enterpriseId, name)
	if f == nil {
		return nil, false
	}
	return f.Value().Value(), true
}

// Uint64 returns the value of the named field coerced to uint64, for any of the
// fixed-width unsigned integer DataTypes.
func (r Record) Uint64(enterpriseId uint32, name string) (uint64, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}

// Int64 returns the value of the named field coerced to int64, for any of the
// fixed-width signed integer DataTypes.
func (r Record) Int64(enterpriseId uint32, name string) (int64, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// String returns the value of the named field as a string.
func (r Record) String(enterpriseId uint32, name string) (string, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IP returns the value of the named field as a net.IP, for ipv4Address/ipv6Address
// fields.
func (r Record) IP(enterpriseId uint32, name string) (net.IP, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return nil, false
	}
	ip, ok := v.(net.IP)
	return ip, ok
}

// Time returns the value of the named field as a time.Time, for any of the
// dateTimeSeconds/Milliseconds/Microseconds/Nanoseconds fields.
func (r Record) Time(enterpriseId uint32, name string) (time.Time, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

// Bytes returns the value of the named field as a byte slice, for octetArray fields.
func (r Record) Bytes(enterpriseId uint32, name string) ([]byte, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Bool returns the value of the named field as a boolean.
func (r Record) Bool(enterpriseId uint32, name string) (bool, bool) {
	v, ok := r.value(enterpriseId, name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

