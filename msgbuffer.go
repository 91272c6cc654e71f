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
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// maxMessageLength is the largest a single IPFIX message may be: the message header's length
// field is a u16, so 0xFFFF is the hard ceiling regardless of transport MTU.
const maxMessageLength uint16 = 0xFFFF

var (
	msgBufferEmittedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgbuffer_emitted_messages_total",
		Help: "Total number of IPFIX messages emitted by a MsgBuffer exporter",
	})
	msgBufferEmittedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgbuffer_emitted_records_total",
		Help: "Total number of data records emitted by a MsgBuffer exporter",
	})
	msgBufferReceivedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgbuffer_received_messages_total",
		Help: "Total number of IPFIX messages consumed by a MsgBuffer collector",
	})
	msgBufferTranscodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgbuffer_transcode_errors_total",
		Help: "Total number of records dropped because transcoding between internal and external templates failed",
	}, []string{"direction"})
)

// MessageSource is the collaborator a MsgBuffer collector pulls wire bytes from: one complete,
// already-framed IPFIX message per channel item. TCPListener, UDPListener and the IPFIX file
// format reader all satisfy this.
type MessageSource interface {
	Messages() <-chan []byte
}

var (
	ErrNoSink             = errors.New("msgbuffer: no exporter sink configured")
	ErrNoSource           = errors.New("msgbuffer: no collector source configured")
	ErrNoInternalTemplate = errors.New("msgbuffer: no internal template selected")
	ErrNoExportTemplate   = errors.New("msgbuffer: no export template selected")
	ErrMessageExhausted   = errors.New("msgbuffer: no more records buffered, call NextMessage")
)

// openDataSet accumulates the records belonging to the currently open data set on the write
// side, i.e. the records appended since the export template was last changed.
type openDataSet struct {
	externalTemplateId uint16
	records            []DataRecord
}

// MsgBuffer is the framing layer atop Session and Transcoder: on the write side (Exporter
// role) it batches appended records into sets and messages and flushes them to a sink; on the
// read side (Collector role) it decodes messages pulled from a source and hands back records
// transcoded into the caller's internal template layout. A MsgBuffer is single-threaded and
// holds either an Exporter or a Collector, never both.
type MsgBuffer struct {
	session    *Session
	transcoder *Transcoder

	observationDomainId uint32
	sequenceNumber      uint32
	autoNextMessage     bool

	// write side
	sink           ExporterFunc
	internalTid    uint16
	externalTid    uint16
	haveInternal   bool
	haveExternal   bool
	open           *openDataSet
	pendingSets    []Set
	pendingRecords int

	// read side
	decoder *Decoder
	source  <-chan []byte
	current *Message
	setIdx  int
	recIdx  int

	log logr.Logger
}

// ExporterFunc hands a fully-framed IPFIX message to its transport: a single write-or-fail
// operation, with retries and partial-write handling left to the transport.
type ExporterFunc func(ctx context.Context, payload []byte) error

// NewExporter creates a write-side MsgBuffer. Records appended via Append are transcoded into
// the currently selected export template and buffered until Emit (or an automatic flush, with
// WithAutoNextMessage) hands the framed message to sink.
func NewExporter(session *Session, transcoder *Transcoder, sink ExporterFunc) *MsgBuffer {
	return &MsgBuffer{
		session:    session,
		transcoder: transcoder,
		sink:       sink,
		log:        Log.WithName("msgbuffer").WithValues("role", "exporter"),
	}
}

// NewCollector creates a read-side MsgBuffer. Messages are pulled from source one at a time;
// NextMessage decodes one, after which Next yields its data records one by one, transcoded
// from their external (wire) template into the paired internal template when one is known.
func NewCollector(session *Session, transcoder *Transcoder, fieldCache FieldCache, source <-chan []byte, opts ...DecoderOptions) *MsgBuffer {
	return &MsgBuffer{
		session:    session,
		transcoder: transcoder,
		decoder:    NewDecoder(session.External(), fieldCache, opts...),
		source:     source,
		log:        Log.WithName("msgbuffer").WithValues("role", "collector"),
	}
}

// WithAutoNextMessage enables or disables transparently flushing (write side) or fetching
// (read side) the next message when the current one is exhausted, instead of returning
// ErrMessageExhausted to the caller.
func (mb *MsgBuffer) WithAutoNextMessage(enabled bool) *MsgBuffer {
	mb.autoNextMessage = enabled
	return mb
}

// WithObservationDomain sets the observation domain id new messages are stamped with (write
// side) or scoped under when resolving external templates (read side).
func (mb *MsgBuffer) WithObservationDomain(id uint32) *MsgBuffer {
	mb.observationDomainId = id
	return mb
}

// SetInternalTemplate selects the template Append expects its caller-supplied DataRecords to
// already conform to.
func (mb *MsgBuffer) SetInternalTemplate(tid uint16) *MsgBuffer {
	mb.internalTid = tid
	mb.haveInternal = true
	return mb
}

// SetExportTemplate selects the template records are projected into on the wire. Changing it
// implicitly closes whatever data set is currently open.
func (mb *MsgBuffer) SetExportTemplate(tid uint16) *MsgBuffer {
	if mb.haveExternal && mb.externalTid != tid {
		mb.closeOpenSet()
	}
	mb.externalTid = tid
	mb.haveExternal = true
	return mb
}

// AppendTemplate registers tmpl as an external template of this session and schedules a
// Template Set (or Options Template Set, detected from tmpl.Record's concrete type) announcing
// it in the next emitted message. This closes any currently open data set, since template and
// data sets cannot interleave within the Go Set wrapper used here.
func (mb *MsgBuffer) AppendTemplate(ctx context.Context, tmpl *Template) error {
	mb.closeOpenSet()

	key := TemplateKey{ObservationDomainId: mb.observationDomainId, TemplateId: tmpl.TemplateId}
	if err := mb.session.AddTemplate(ctx, RoleExternal, key, tmpl); err != nil {
		return fmt.Errorf("failed to register template for export, %w", err)
	}

	if mb.haveInternal {
		mb.session.SetTemplatePair(mb.observationDomainId, mb.internalTid, tmpl.TemplateId)
	}

	var set Set
	switch r := tmpl.Record.(type) {
	case *TemplateRecord:
		set = Set{
			SetHeader: SetHeader{Id: IPFIX},
			Kind:      KindTemplateSet,
			Set:       &TemplateSet{Records: []TemplateRecord{*r}},
		}
	case *OptionsTemplateRecord:
		set = Set{
			SetHeader: SetHeader{Id: IPFIXOptions},
			Kind:      KindOptionsTemplateSet,
			Set:       &OptionsTemplateSet{Records: []OptionsTemplateRecord{*r}},
		}
	default:
		return fmt.Errorf("cannot announce template with record type %T", r)
	}

	mb.pendingSets = append(mb.pendingSets, set)
	return nil
}

// closeOpenSet wraps the currently accumulating data set (if any) into a Set and moves it to
// pendingSets, ready for the next Emit.
func (mb *MsgBuffer) closeOpenSet() {
	if mb.open == nil || len(mb.open.records) == 0 {
		mb.open = nil
		return
	}
	mb.pendingSets = append(mb.pendingSets, Set{
		SetHeader: SetHeader{Id: mb.open.externalTemplateId},
		Kind:      KindDataSet,
		Set:       &DataSet{Records: mb.open.records},
	})
	mb.open = nil
}

// Append projects record (assumed to conform to the selected internal template) through the
// Transcoder into the selected export template, and buffers it into the current data set. If
// the buffered message would grow past the maximum wire length, the message is flushed first
// (auto-next-message) or ErrMessageExhausted-like EOM behavior is surfaced as an error.
func (mb *MsgBuffer) Append(ctx context.Context, record *DataRecord) error {
	if mb.sink == nil {
		return ErrNoSink
	}
	if !mb.haveInternal {
		return ErrNoInternalTemplate
	}
	if !mb.haveExternal {
		return ErrNoExportTemplate
	}

	internal, err := mb.session.Template(ctx, RoleInternal, TemplateKey{TemplateId: mb.internalTid})
	if err != nil {
		return fmt.Errorf("failed to resolve internal template %d, %w", mb.internalTid, err)
	}
	external, err := mb.session.Template(ctx, RoleExternal, TemplateKey{ObservationDomainId: mb.observationDomainId, TemplateId: mb.externalTid})
	if err != nil {
		return fmt.Errorf("failed to resolve export template %d, %w", mb.externalTid, err)
	}

	out, err := mb.transcoder.Transcode(internal, external, record)
	if err != nil {
		msgBufferTranscodeErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("failed to transcode record onto export template %d, %w", mb.externalTid, err)
	}

	if mb.open == nil || mb.open.externalTemplateId != mb.externalTid {
		mb.closeOpenSet()
		mb.open = &openDataSet{externalTemplateId: mb.externalTid}
	}

	if mb.wouldOverflow(out) {
		if !mb.autoNextMessage {
			return fmt.Errorf("msgbuffer: message is full, %w", ErrMessageExhausted)
		}
		if _, err := mb.Emit(ctx); err != nil {
			return err
		}
		mb.open = &openDataSet{externalTemplateId: mb.externalTid}
	}

	mb.open.records = append(mb.open.records, *out)
	mb.pendingRecords++
	return nil
}

// wouldOverflow estimates whether appending rec's encoded length to the currently buffered
// message would exceed the maximum IPFIX message length. The estimate is approximate (it sums
// field lengths rather than fully encoding the message) but is only ever used to decide when
// to proactively flush, so erring on the conservative side costs nothing but an extra message.
func (mb *MsgBuffer) wouldOverflow(rec *DataRecord) bool {
	const headerOverhead = 16 + 4 // message header + one set header, worst case
	total := uint32(headerOverhead)
	for _, s := range mb.pendingSets {
		total += uint32(4) + uint32(estimateSetLength(s.Set))
	}
	if mb.open != nil {
		for _, r := range mb.open.records {
			total += uint32(r.Length())
		}
	}
	total += uint32(rec.Length())
	return total > uint32(maxMessageLength)
}

func estimateSetLength(s set) uint16 {
	var buf bytes.Buffer
	n, err := s.Encode(&buf)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// Emit finalizes the buffered message: every pending set's header length is back-patched, the
// message header is stamped with the current export time, sequence number and observation
// domain, and the framed bytes are handed to the sink. The MsgBuffer's own sequence counter advances
// by the number of data records emitted.
func (mb *MsgBuffer) Emit(ctx context.Context) (int, error) {
	if mb.sink == nil {
		return 0, ErrNoSink
	}

	mb.closeOpenSet()

	if len(mb.pendingSets) == 0 {
		return 0, nil
	}

	var totalSetBytes uint16
	for i := range mb.pendingSets {
		var body bytes.Buffer
		n, err := mb.pendingSets[i].Set.Encode(&body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode set body, %w", err)
		}
		mb.pendingSets[i].SetHeader.Length = uint16(n) + 4
		totalSetBytes += mb.pendingSets[i].SetHeader.Length
	}

	msg := &Message{
		Version:             10,
		Length:              16 + totalSetBytes,
		ExportTime:          uint32(time.Now().Unix()),
		SequenceNumber:      mb.sequenceNumber,
		ObservationDomainId: mb.observationDomainId,
		Sets:                mb.pendingSets,
	}

	var out bytes.Buffer
	n, err := msg.Encode(&out)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message, %w", err)
	}

	if err := mb.sink(ctx, out.Bytes()); err != nil {
		return 0, fmt.Errorf("failed to write message to sink, %w", err)
	}

	mb.sequenceNumber += uint32(mb.pendingRecords)
	msgBufferEmittedMessages.Inc()
	msgBufferEmittedRecords.Add(float64(mb.pendingRecords))

	mb.pendingSets = nil
	mb.pendingRecords = 0

	return n, nil
}

// NextMessage pulls one framed message from the collector's source, decodes it, and makes its
// sets available to Next. It blocks until a message arrives, the source closes (io.EOF-like
// behavior signaled via a nil, nil return), or ctx is canceled.
func (mb *MsgBuffer) NextMessage(ctx context.Context) (*Message, error) {
	if mb.decoder == nil || mb.source == nil {
		return nil, ErrNoSource
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-mb.source:
		if !ok {
			return nil, nil
		}
		msg, err := mb.decoder.Decode(ctx, bytes.NewBuffer(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decode message, %w", err)
		}

		msgBufferReceivedMessages.Inc()
		if inSeq := mb.session.CheckSequence(msg.ObservationDomainId, msg.SequenceNumber); !inSeq {
			mb.log.V(1).Info("sequence drift on received message", "observationDomainId", msg.ObservationDomainId, "sequenceNumber", msg.SequenceNumber)
		}

		mb.current = msg
		mb.setIdx = 0
		mb.recIdx = 0
		return msg, nil
	}
}

// Next returns the next data record of the current message, transcoded into its paired
// internal template when the Session has one registered (otherwise the record is returned as
// decoded against its external template, falling back to treating the external and internal
// ids as identical). Options sets and template sets are skipped transparently; RFC 5610
// element-type and template-info ingestion already happens inside Decoder/DataRecord decoding.
// When the current message is exhausted, Next fetches the next one if WithAutoNextMessage(true)
// was set, or returns ErrMessageExhausted otherwise.
func (mb *MsgBuffer) Next(ctx context.Context) (*Record, error) {
	for {
		if mb.current == nil {
			if !mb.autoNextMessage {
				return nil, ErrMessageExhausted
			}
			msg, err := mb.NextMessage(ctx)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return nil, nil
			}
		}

		for mb.setIdx < len(mb.current.Sets) {
			s := mb.current.Sets[mb.setIdx]
			ds, ok := s.Set.(*DataSet)
			if !ok {
				mb.setIdx++
				mb.recIdx = 0
				continue
			}
			if mb.recIdx >= len(ds.Records) {
				mb.setIdx++
				mb.recIdx = 0
				continue
			}

			rec := ds.Records[mb.recIdx]
			mb.recIdx++

			out, err := mb.projectToInternal(ctx, s.SetHeader.Id, &rec)
			if err != nil {
				msgBufferTranscodeErrors.WithLabelValues("decode").Inc()
				mb.log.V(1).Info("dropping record during transcoding", "externalTemplateId", s.SetHeader.Id, "error", err.Error())
				continue
			}
			r := NewRecord(out)
			return &r, nil
		}

		mb.current = nil
		if !mb.autoNextMessage {
			return nil, ErrMessageExhausted
		}
	}
}

// projectToInternal resolves the internal template paired with externalTid (if any) and
// transcodes rec into it; with no pairing and no same-ID internal template, rec is returned
// unchanged in its already-decoded external layout.
func (mb *MsgBuffer) projectToInternal(ctx context.Context, externalTid uint16, rec *DataRecord) (*DataRecord, error) {
	external, err := mb.session.Template(ctx, RoleExternal, TemplateKey{ObservationDomainId: mb.observationDomainId, TemplateId: externalTid})
	if err != nil {
		return rec, nil
	}

	internalTid, _ := mb.session.LookupInternalForExternal(mb.observationDomainId, externalTid)
	internal, err := mb.session.Template(ctx, RoleInternal, TemplateKey{TemplateId: internalTid})
	if err != nil {
		return rec, nil
	}

	return mb.transcoder.Transcode(external, internal, rec)
}
