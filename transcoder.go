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
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transcoderPlanHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcoder_plan_cache_hits_total",
		Help: "Total number of transcoding plan cache hits",
	})
	transcoderPlanMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transcoder_plan_cache_misses_total",
		Help: "Total number of transcoding plan cache misses, i.e., plans built from scratch",
	})
)

// fieldIdentity is the key a Transcoder matches fields on across two templates: a field's
// enterprise number and element id, ignoring length and reversed-ness. Two fields with the
// same identity carry the same canonical Information Element, even if one is encoded at a
// different (possibly reduced) length than the other.
type fieldIdentity struct {
	PEN uint32
	Id  uint16
}

func identityOf(f Field) fieldIdentity {
	return fieldIdentity{PEN: f.PEN(), Id: f.Id()}
}

// fieldCopy is one instruction in a TranscodingPlan: copy the value found at source index
// sourceIndex (the position of the field within the internal template's field list, used to
// disambiguate repeated Information Elements in a template, as permitted by RFC 7011 for
// Options Templates and by RFC 6313 multi-lists) into the field at the same identity in
// the external template.
type fieldCopy struct {
	sourceIndex uint16
	targetIndex uint16
	identity    fieldIdentity
}

// TranscodingPlan is the materialized mapping between an internal (application-facing)
// Template and an external (wire) Template: which source field indices feed which target
// field indices. Plans are immutable once built and are cheap to re-apply across many
// DataRecords that share the same (internal, external) template pair.
type TranscodingPlan struct {
	internalTemplateId uint16
	externalTemplateId uint16

	copies []fieldCopy

	// external holds the prototype fields a transcoded record's Fields are built from, in
	// wire order, cloned fresh on every Apply.
	external []Field
}

type planKey struct {
	ObservationDomainId uint32
	InternalTemplateId  uint16
	ExternalTemplateId  uint16
}

// Transcoder re-encodes DataRecords decoded against one Template into the field layout
// required by a different Template describing the same (or a compatible) set of
// Information Elements. This is the core operation of a mediating IPFIX process: it
// receives records under its own (internal) Templates and re-exports them under
// (possibly renumbered, possibly differently-scoped) Templates it advertises to a
// downstream Collector.
//
// Plans are cached keyed by the (observation domain, internal template id, external
// template id) triple in an LRU so that repeatedly-seen template pairs - the overwhelming
// common case, since an Exporter usually cycles through a handful of Templates - never
// re-pay the field-matching cost per record.
type Transcoder struct {
	mu    sync.Mutex
	plans *lru.Cache[planKey, *TranscodingPlan]

	log logr.Logger
}

// NewTranscoder creates a Transcoder whose plan cache holds up to planCacheSize entries.
// Evicted plans are simply rebuilt on next use; eviction never loses correctness, only
// some CPU.
func NewTranscoder(planCacheSize int) (*Transcoder, error) {
	if planCacheSize <= 0 {
		planCacheSize = 128
	}
	c, err := lru.New[planKey, *TranscodingPlan](planCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct transcoding plan cache, %w", err)
	}
	return &Transcoder{
		plans: c,
		log:   Log.WithName("transcoder"),
	}, nil
}

// buildPlan matches fields between internal and external templates by identity
// (PEN, Id), in external-template order, recording which internal field index feeds each
// external field index. Internal fields without a counterpart in the external template are
// dropped; external fields without a counterpart in the internal template are encoded with
// their zero value.
func buildPlan(internal, external *Template) (*TranscodingPlan, error) {
	internalFields, err := templateFields(internal)
	if err != nil {
		return nil, err
	}
	externalFields, err := templateFields(external)
	if err != nil {
		return nil, err
	}

	bySource := make(map[fieldIdentity][]uint16, len(internalFields))
	for idx, f := range internalFields {
		id := identityOf(f)
		bySource[id] = append(bySource[id], uint16(idx))
	}

	copies := make([]fieldCopy, 0, len(externalFields))
	consumed := make(map[fieldIdentity]int, len(internalFields))
	for idx, f := range externalFields {
		id := identityOf(f)
		candidates := bySource[id]
		// repeated Information Elements in a Template (RFC 7011 §3.4.2.2, and scope+option
		// overlaps) are paired in first-seen order via consumed's running offset.
		offset := consumed[id]
		if offset < len(candidates) {
			copies = append(copies, fieldCopy{
				sourceIndex: candidates[offset],
				targetIndex: uint16(idx),
				identity:    id,
			})
			consumed[id] = offset + 1
		}
	}

	return &TranscodingPlan{
		internalTemplateId: internal.TemplateId,
		externalTemplateId: external.TemplateId,
		copies:             copies,
		external:           externalFields,
	}, nil
}

// templateFields flattens a Template's record into the ordered field list a DataRecord
// decoded against it would carry: scopes followed by options for an Options Template, or
// the plain field list for a Template.
func templateFields(t *Template) ([]Field, error) {
	switch r := t.Record.(type) {
	case *TemplateRecord:
		return r.Fields, nil
	case *OptionsTemplateRecord:
		fs := make([]Field, 0, len(r.Scopes)+len(r.Options))
		fs = append(fs, r.Scopes...)
		fs = append(fs, r.Options...)
		return fs, nil
	default:
		return nil, fmt.Errorf("unsupported template record type %T", r)
	}
}

// Plan returns the TranscodingPlan for the (internal, external) template pair, building
// and caching it on first use.
func (tc *Transcoder) Plan(internal, external *Template) (*TranscodingPlan, error) {
	key := planKey{
		ObservationDomainId: external.ObservationDomainId,
		InternalTemplateId:  internal.TemplateId,
		ExternalTemplateId:  external.TemplateId,
	}

	if p, ok := tc.plans.Get(key); ok {
		transcoderPlanHits.Inc()
		return p, nil
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	// re-check under lock in case a concurrent caller built the plan while we waited
	if p, ok := tc.plans.Get(key); ok {
		transcoderPlanHits.Inc()
		return p, nil
	}

	transcoderPlanMisses.Inc()
	p, err := buildPlan(internal, external)
	if err != nil {
		return nil, err
	}
	tc.plans.Add(key, p)
	return p, nil
}

// Transcode rewrites record (decoded against the internal Template) into a new DataRecord
// suitable for encoding against the external Template. Scalar fields are copied by value,
// with numeric fields automatically truncated or widened to the external field's declared
// (possibly reduced) length; dateTime fields and address/string/byte-array fields pass
// their native Go representation through unchanged, since the target DataType's own
// Encode handles the wire format. basicList, subTemplateList and subTemplateMultiList
// fields are copied structurally as-is: re-keying their nested Template references to a
// different internal/external pair is the caller's responsibility (see DESIGN.md).
func (tc *Transcoder) Transcode(internal, external *Template, record *DataRecord) (*DataRecord, error) {
	plan, err := tc.Plan(internal, external)
	if err != nil {
		return nil, err
	}

	out := make([]Field, len(plan.external))
	for i, proto := range plan.external {
		out[i] = proto.Clone()
	}

	for _, c := range plan.copies {
		if int(c.sourceIndex) >= len(record.Fields) {
			continue
		}
		src := record.Fields[c.sourceIndex]
		dst := out[c.targetIndex]

		v, err := coerceValue(src.Value().Value(), dst)
		if err != nil {
			tc.log.V(1).Info("skipping field during transcoding", "pen", c.identity.PEN, "id", c.identity.Id, "error", err.Error())
			continue
		}
		dst.SetValue(v)
	}

	return &DataRecord{
		TemplateId: plan.externalTemplateId,
		FieldCount: uint16(len(out)),
		Fields:     out,
	}, nil
}

// coerceValue adapts a decoded field's native value to whatever concrete representation
// the destination field's DataType.SetValue accepts. Every numeric DataType in this
// package accepts a float64, so any of the fixed-width integer kinds are funneled through
// that; every other kind (time.Time, net.IP, net.HardwareAddr, string, []byte, bool,
// []Field for basicList values) is passed through untouched.
func coerceValue(v any, dst Field) (any, error) {
	switch dst.Value().Value().(type) {
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64, float32, float64:
		f, ok := toFloat64(v)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to a numeric value", v)
		}
		return f, nil
	default:
		return v, nil
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
