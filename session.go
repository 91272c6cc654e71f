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
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// TemplateRole distinguishes a Session's two template tables: Internal templates are the
// ones this process defines for its own export (Exporter role), External templates are
// the ones learned off the wire from a peer's Template/Options Template Sets (Collector
// role). A single process acting as both exporter and collector (e.g. a mediator) keeps
// both tables live at once.
type TemplateRole string

const (
	RoleInternal TemplateRole = "internal"
	RoleExternal TemplateRole = "external"
)

var (
	sessionTemplatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_templates_total",
		Help: "Total number of templates added to a Session, by role",
	}, []string{"role"})
	sessionSequenceDriftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_sequence_drift_total",
		Help: "Total number of observed sequence number discontinuities per observation domain",
	}, []string{"observation_domain"})
)

// templatePairKey identifies a pairing between an internal (export-side) template and the
// external (wire) template id a peer has assigned it, scoped to an observation domain.
type templatePairKey struct {
	ObservationDomainId uint32
	InternalTemplateId  uint16
}

// Session is the stateful context of a single IPFIX conversation with one peer: it holds
// the internal and external template tables, the pairing between them (needed because an
// Exporter's own template ids and a Collector's idea of the same template's id need not
// agree once re-exported through a mediator), and per-observation-domain sequence number
// tracking.
//
// Session does not itself speak the wire protocol; it is the collaborator MsgBuffer
// consults to resolve templates and to validate/advance sequence numbers as messages are
// read or written.
type Session struct {
	internal TemplateCache
	external TemplateCache

	mu           sync.RWMutex
	pairs        map[templatePairKey]uint16
	reversePairs map[templatePairKey]uint16

	seq map[uint32]uint32

	onNewTemplate func(role TemplateRole, key TemplateKey, tmpl *Template)

	log logr.Logger
}

// NewSession creates a Session backed by the given internal and external TemplateCache
// implementations. Callers needing a stateful backing store (file-backed, TTL-decaying,
// etcd-backed) construct that TemplateCache first and hand it to NewSession; Session
// itself adds no persistence, only the role split, pairing, and sequencing semantics.
func NewSession(internal, external TemplateCache) *Session {
	return &Session{
		internal:     internal,
		external:     external,
		pairs:        map[templatePairKey]uint16{},
		reversePairs: map[templatePairKey]uint16{},
		seq:          map[uint32]uint32{},
		log:          Log.WithName("session"),
	}
}

// NewEphemeralSession is a convenience constructor for single-process use: both template
// tables are plain in-memory EphemeralCache instances.
func NewEphemeralSession() *Session {
	return NewSession(NewNamedEphemeralCache("internal"), NewNamedEphemeralCache("external"))
}

// OnNewTemplate registers a callback invoked every time AddTemplate interns a
// previously-unseen (role, observationDomain, templateId) triple.
func (s *Session) OnNewTemplate(fn func(role TemplateRole, key TemplateKey, tmpl *Template)) *Session {
	s.onNewTemplate = fn
	return s
}

func (s *Session) cacheFor(role TemplateRole) TemplateCache {
	if role == RoleInternal {
		return s.internal
	}
	return s.external
}

// AddTemplate interns tmpl under key in the table for role. If no template was previously
// present at key, the Session's new-template callback (if any) fires.
func (s *Session) AddTemplate(ctx context.Context, role TemplateRole, key TemplateKey, tmpl *Template) error {
	cache := s.cacheFor(role)

	_, lookupErr := cache.Get(ctx, key)
	isNew := lookupErr != nil

	if err := cache.Add(ctx, key, tmpl); err != nil {
		return err
	}

	sessionTemplatesTotal.WithLabelValues(string(role)).Inc()

	if isNew && s.onNewTemplate != nil {
		s.onNewTemplate(role, key, tmpl)
	}
	return nil
}

// Template looks up a template by role, observation domain, and template id.
func (s *Session) Template(ctx context.Context, role TemplateRole, key TemplateKey) (*Template, error) {
	return s.cacheFor(role).Get(ctx, key)
}

// WithdrawTemplate removes a template, e.g. on receipt of a withdrawal (an empty Template
// Set / Options Template Set referencing the id, per RFC 7011 §8.1).
func (s *Session) WithdrawTemplate(ctx context.Context, role TemplateRole, key TemplateKey) error {
	return s.cacheFor(role).Delete(ctx, key)
}

// SetTemplatePair records that, within observationDomainId, the internal template
// internalTemplateId is exported on the wire under externalTemplateId. This is only
// needed when the two differ, e.g. a mediating process re-numbering templates it
// forwards. MsgBuffer.AppendTemplate records a pair whenever it appends a template while
// an internal template is selected.
func (s *Session) SetTemplatePair(observationDomainId uint32, internalTemplateId, externalTemplateId uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[templatePairKey{ObservationDomainId: observationDomainId, InternalTemplateId: internalTemplateId}] = externalTemplateId
	s.reversePairs[templatePairKey{ObservationDomainId: observationDomainId, InternalTemplateId: externalTemplateId}] = internalTemplateId
}

// LookupTemplatePair returns the external template id paired with internalTemplateId, or
// internalTemplateId itself (and ok=false) if no pairing was ever recorded, i.e. the
// identity pairing is the default.
func (s *Session) LookupTemplatePair(observationDomainId uint32, internalTemplateId uint16) (externalTemplateId uint16, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[templatePairKey{ObservationDomainId: observationDomainId, InternalTemplateId: internalTemplateId}]
	if !ok {
		return internalTemplateId, false
	}
	return id, true
}

// LookupInternalForExternal returns the internal template id paired with externalTemplateId
// for decoding: the explicit reverse mapping if one was recorded via SetTemplatePair,
// otherwise externalTemplateId itself (ok=false) so a decoder can fall back to treating the
// external and internal ids as identical.
func (s *Session) LookupInternalForExternal(observationDomainId uint32, externalTemplateId uint16) (internalTemplateId uint16, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reversePairs[templatePairKey{ObservationDomainId: observationDomainId, InternalTemplateId: externalTemplateId}]
	if !ok {
		return externalTemplateId, false
	}
	return id, true
}

// CheckSequence advances the expected sequence number for observationDomainId and reports
// whether seq matched it. A mismatch is not treated as fatal (per the warn-don't-abort
// policy for RFC 7011 anomalies): the counter is resynchronized to seq+1 regardless, and
// the caller is informed via the returned bool so it can log/export a metric.
func (s *Session) CheckSequence(observationDomainId, seq uint32) (inSequence bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, known := s.seq[observationDomainId]
	inSequence = !known || expected == seq
	if !inSequence {
		sessionSequenceDriftTotal.WithLabelValues(fmt.Sprintf("%d", observationDomainId)).Inc()
		s.log.V(1).Info("sequence number drift", "observationDomainId", observationDomainId, "expected", expected, "got", seq)
	}
	s.seq[observationDomainId] = seq + 1
	return inSequence
}

// Internal returns the TemplateCache backing this Session's internal (export-side)
// template table, for collaborators (e.g. the Exporter half of MsgBuffer) that need
// direct access.
func (s *Session) Internal() TemplateCache {
	return s.internal
}

// External returns the TemplateCache backing this Session's external (collector-side)
// template table.
func (s *Session) External() TemplateCache {
	return s.external
}
