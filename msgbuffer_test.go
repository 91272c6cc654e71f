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
	"context"
	"testing"
)

// TestMsgBufferRoundTrip exercises the whole write/read path: an Exporter-role MsgBuffer
// announces a template, appends records against it, and emits a framed message to a sink;
// a Collector-role MsgBuffer on the other end decodes that same message and yields the
// records back out, transcoded into its own internal template layout.
func TestMsgBufferRoundTrip(t *testing.T) {
	ctx := context.Background()
	iana := IANA()

	internalTemplate := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 256},
		Record: &TemplateRecord{
			TemplateId: 256,
			FieldCount: 3,
			Fields: []Field{
				NewFieldBuilder(iana[8]).SetLength(4).Complete(),
				NewFieldBuilder(iana[12]).SetLength(4).Complete(),
				NewFieldBuilder(iana[2]).SetLength(8).Complete(),
			},
		},
	}
	externalTemplate := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 500, ObservationDomainId: 1},
		Record: &TemplateRecord{
			TemplateId: 500,
			FieldCount: 3,
			Fields: []Field{
				NewFieldBuilder(iana[8]).SetLength(4).Complete(),
				NewFieldBuilder(iana[12]).SetLength(4).Complete(),
				NewFieldBuilder(iana[2]).SetLength(8).Complete(),
			},
		},
	}

	session := NewEphemeralSession()
	if err := session.AddTemplate(ctx, RoleInternal, TemplateKey{TemplateId: 256}, internalTemplate); err != nil {
		t.Fatal(err)
	}

	transcoder, err := NewTranscoder(16)
	if err != nil {
		t.Fatal(err)
	}

	var wire [][]byte
	sink := func(ctx context.Context, payload []byte) error {
		// the sink must not retain payload's backing array, matching an
		// ExporterFunc's usual hand-off-to-transport contract
		cp := make([]byte, len(payload))
		copy(cp, payload)
		wire = append(wire, cp)
		return nil
	}

	exporter := NewExporter(session, transcoder, sink).
		WithObservationDomain(1).
		SetInternalTemplate(256)

	if err := exporter.AppendTemplate(ctx, externalTemplate); err != nil {
		t.Fatal(err)
	}
	exporter.SetExportTemplate(500)

	for i := 0; i < 3; i++ {
		record := &DataRecord{
			TemplateId: 256,
			FieldCount: 3,
			Fields: []Field{
				NewFieldBuilder(iana[8]).SetLength(4).Complete().SetValue("192.0.2.1"),
				NewFieldBuilder(iana[12]).SetLength(4).Complete().SetValue("192.0.2.2"),
				NewFieldBuilder(iana[2]).SetLength(8).Complete().SetValue(i + 1),
			},
		}
		if err := exporter.Append(ctx, record); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := exporter.Emit(ctx); err != nil {
		t.Fatal(err)
	}

	if len(wire) != 1 {
		t.Fatalf("expected exactly one emitted message, got %d", len(wire))
	}

	source := make(chan []byte, 1)
	source <- wire[0]
	close(source)

	fieldCache := NewEphemeralFieldCache(session.External())
	for id, ie := range iana {
		ie := ie
		ie.Id = id
		if err := fieldCache.Add(ctx, *ie); err != nil {
			t.Fatal(err)
		}
	}

	collector := NewCollector(session, transcoder, fieldCache, source).
		WithObservationDomain(1).
		WithAutoNextMessage(true)

	var got []*Record
	for {
		rec, err := collector.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rec == nil {
			break
		}
		got = append(got, rec)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 records to come back out of the collector, got %d", len(got))
	}

	for i, rec := range got {
		if rec.TemplateId() != 256 {
			t.Errorf("record %d: expected it to be projected back onto the internal template 256, got %d", i, rec.TemplateId())
		}
		if v, ok := rec.Uint64(0, "packetDeltaCount"); !ok || v != uint64(i+1) {
			t.Errorf("record %d: expected packetDeltaCount %d, got %d (ok=%v)", i, i+1, v, ok)
		}
		if ip, ok := rec.IP(0, "sourceIPv4Address"); !ok || ip.String() != "192.0.2.1" {
			t.Errorf("record %d: expected sourceIPv4Address 192.0.2.1, got %v (ok=%v)", i, ip, ok)
		}
	}
}

func TestMsgBufferRequiresTemplatesBeforeAppend(t *testing.T) {
	ctx := context.Background()

	session := NewEphemeralSession()
	transcoder, err := NewTranscoder(16)
	if err != nil {
		t.Fatal(err)
	}

	sink := func(ctx context.Context, payload []byte) error { return nil }
	exporter := NewExporter(session, transcoder, sink)

	if err := exporter.Append(ctx, &DataRecord{}); err != ErrNoInternalTemplate {
		t.Errorf("expected ErrNoInternalTemplate, got %v", err)
	}

	exporter.SetInternalTemplate(256)
	if err := exporter.Append(ctx, &DataRecord{}); err != ErrNoExportTemplate {
		t.Errorf("expected ErrNoExportTemplate, got %v", err)
	}
}

func TestMsgBufferNextWithoutAutoAdvanceExhausts(t *testing.T) {
	ctx := context.Background()

	session := NewEphemeralSession()
	transcoder, err := NewTranscoder(16)
	if err != nil {
		t.Fatal(err)
	}
	fieldCache := NewEphemeralFieldCache(session.External())

	source := make(chan []byte)
	close(source)

	collector := NewCollector(session, transcoder, fieldCache, source)

	if _, err := collector.Next(ctx); err != ErrMessageExhausted {
		t.Errorf("expected ErrMessageExhausted without WithAutoNextMessage, got %v", err)
	}
}
