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

func TestTranscoderReordersAndDropsFields(t *testing.T) {
	iana := iana()

	internal := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 256},
		Record: &TemplateRecord{
			TemplateId: 256,
			Fields: []Field{
				NewFieldBuilder(iana[8]).SetLength(4).Complete(),  // sourceIPv4Address
				NewFieldBuilder(iana[12]).SetLength(4).Complete(), // destinationIPv4Address
				NewFieldBuilder(iana[2]).SetLength(8).Complete(),  // packetDeltaCount
				NewFieldBuilder(iana[1]).SetLength(8).Complete(),  // octetDeltaCount
			},
		},
	}

	// the external template omits octetDeltaCount and reorders the remaining fields
	external := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 500, ObservationDomainId: 1},
		Record: &TemplateRecord{
			TemplateId: 500,
			Fields: []Field{
				NewFieldBuilder(iana[2]).SetLength(8).Complete(),
				NewFieldBuilder(iana[8]).SetLength(4).Complete(),
				NewFieldBuilder(iana[12]).SetLength(4).Complete(),
			},
		},
	}

	tc, err := NewTranscoder(16)
	if err != nil {
		t.Fatal(err)
	}

	record := &DataRecord{
		TemplateId: 256,
		FieldCount: 4,
		Fields: []Field{
			NewFieldBuilder(iana[8]).SetLength(4).Complete().SetValue("10.0.0.1"),
			NewFieldBuilder(iana[12]).SetLength(4).Complete().SetValue("10.0.0.2"),
			NewFieldBuilder(iana[2]).SetLength(8).Complete().SetValue(42),
			NewFieldBuilder(iana[1]).SetLength(8).Complete().SetValue(1337),
		},
	}

	out, err := tc.Transcode(internal, external, record)
	if err != nil {
		t.Fatal(err)
	}

	if out.TemplateId != 500 {
		t.Errorf("expected transcoded record to carry the external template id 500, got %d", out.TemplateId)
	}
	if len(out.Fields) != 3 {
		t.Fatalf("expected 3 fields (octetDeltaCount dropped), got %d", len(out.Fields))
	}

	r := NewRecord(out)
	if v, ok := r.Uint64(0, "packetDeltaCount"); !ok || v != 42 {
		t.Errorf("expected packetDeltaCount 42, got %d (ok=%v)", v, ok)
	}
	if _, ok := r.Uint64(0, "octetDeltaCount"); ok {
		t.Errorf("expected octetDeltaCount to have been dropped by transcoding")
	}

	// plans are cached: transcoding the same (internal, external) pair again must not rebuild
	if _, err := tc.Transcode(internal, external, record); err != nil {
		t.Fatal(err)
	}
	if n := tc.plans.Len(); n != 1 {
		t.Errorf("expected exactly one cached plan, got %d", n)
	}
}

func TestTranscoderOptionsTemplate(t *testing.T) {
	iana := iana()

	internal := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 256},
		Record: &OptionsTemplateRecord{
			TemplateId: 256,
			Scopes: []Field{
				NewFieldBuilder(iana[346]).SetLength(4).Complete(),
			},
			Options: []Field{
				NewFieldBuilder(iana[339]).SetLength(1).Complete(),
			},
		},
	}
	external := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 500},
		Record: &OptionsTemplateRecord{
			TemplateId: 500,
			Scopes: []Field{
				NewFieldBuilder(iana[346]).SetLength(4).Complete(),
			},
			Options: []Field{
				NewFieldBuilder(iana[339]).SetLength(1).Complete(),
			},
		},
	}

	tc, err := NewTranscoder(16)
	if err != nil {
		t.Fatal(err)
	}

	record := &DataRecord{
		TemplateId: 256,
		Fields: []Field{
			NewFieldBuilder(iana[346]).SetLength(4).Complete().SetValue(1),
			NewFieldBuilder(iana[339]).SetLength(1).Complete().SetValue(4),
		},
	}

	out, err := tc.Transcode(internal, external, record)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Fields) != 2 {
		t.Fatalf("expected both scope and option fields to be carried over, got %d fields", len(out.Fields))
	}
}
