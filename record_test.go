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
	"testing"
)

func TestRecordAccessors(t *testing.T) {
	iana := iana()

	dr := &DataRecord{
		TemplateId: 300,
		Fields: []Field{
			NewFieldBuilder(iana[8]).SetLength(4).Complete().SetValue("192.0.2.1"),
			NewFieldBuilder(iana[2]).SetLength(8).Complete().SetValue(42),
			NewFieldBuilder(iana[4]).SetLength(1).Complete().SetValue(6),
		},
	}

	r := NewRecord(dr)

	if r.TemplateId() != 300 {
		t.Errorf("expected TemplateId 300, got %d", r.TemplateId())
	}
	if len(r.Fields()) != 3 {
		t.Errorf("expected 3 fields, got %d", len(r.Fields()))
	}

	if v, ok := r.Uint64(0, "packetDeltaCount"); !ok || v != 42 {
		t.Errorf("expected packetDeltaCount 42, got %d (ok=%v)", v, ok)
	}
	if ip, ok := r.IP(0, "sourceIPv4Address"); !ok || ip.String() != "192.0.2.1" {
		t.Errorf("expected sourceIPv4Address 192.0.2.1, got %v (ok=%v)", ip, ok)
	}
	if _, ok := r.String(0, "sourceIPv4Address"); ok {
		t.Errorf("expected a type mismatch accessor to report ok=false")
	}
	if _, ok := r.Uint64(0, "nonExistentField"); ok {
		t.Errorf("expected lookup of an absent field to report ok=false")
	}

	if f := r.FieldAt(0, 2); f == nil || f.Name() != "packetDeltaCount" {
		t.Errorf("expected FieldAt(0, 2) to resolve packetDeltaCount")
	}
}

func TestRecordNilDataRecord(t *testing.T) {
	r := NewRecord(nil)

	if r.TemplateId() != 0 {
		t.Errorf("expected zero TemplateId for a nil-backed Record")
	}
	if r.Fields() != nil {
		t.Errorf("expected nil Fields for a nil-backed Record")
	}
	if v, ok := r.Uint64(0, "packetDeltaCount"); ok || v != 0 {
		t.Errorf("expected zero value and ok=false for a nil-backed Record")
	}
}
