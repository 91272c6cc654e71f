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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

var (
	ErrUnknownProtocolVersion  = errors.New("unknown protocol version in field manager")
	ErrUnknownEnterpriseNumber = errors.New("unknown enterprise number in field manager")

	// ErrIdentityExists is returned by InfoModel.AddFromOptionRecord when an Information
	// Element with the same (enterpriseId, elementId) identity is already interned.
	ErrIdentityExists = errors.New("information element identity already present in model")
	// ErrNameExists is returned by InfoModel.AddFromOptionRecord when an Information
	// Element with the same name is already interned under a different identity.
	ErrNameExists = errors.New("information element name already present in model")
	// ErrReservedPEN is returned when an RFC 5610 option record attempts to define an
	// element under PEN 0 (IANA namespace) or the reverse-information PEN.
	ErrReservedPEN = errors.New("option record uses a reserved private enterprise number")
	// ErrNoSuchElement is returned when a spec (by name or identity) does not resolve to
	// any Information Element known to the model.
	ErrNoSuchElement = errors.New("no such information element")
)

// FieldCache is the interface that all, both ephemeral and persistent field caches need to implement.
// By default, this does not include methods for handling stateful FieldCaches, those should be provided
// on the explicit types. See etcd.FieldCache for such an implementation.
//
// InfoModel is the canonical implementation: the registry of typed field definitions
// (Information Elements) keyed by (enterpriseId, elementId), with a secondary unique
// index by name.
type FieldCache interface {
	// GetBuilder retrieves a field builder instance from the cache for creating
	// fields during decoding.
	//
	// If the field is not found in the cache, the canonical implementation (InfoModel)
	// interns an alien element for the FieldKey and returns its FieldBuilder
	//
	// If an error occurs during retrieval of the field, an error is returned,
	// and the FieldBuilder pointer is nil
	GetBuilder(context.Context, FieldKey) (*FieldBuilder, error)

	// Add adds a new Information Element definition to the field cache.
	//
	// The canonic implementation of FieldCache immediately creates FieldBuilder
	// instances to return on GetBuilder(), however this is up to implementor.
	//
	// If adding the new IE fails, an error is returned.
	Add(context.Context, InformationElement) error

	// Delete removes a field identified by a FieldKey from the cache.
	//
	// The canonic implementation of FieldCache stores both information elements given during Add(),
	// and the instantiated FieldBuilder types, and cleans up both at once.
	Delete(context.Context, FieldKey) error

	// Get returns the information element that defines a field currently in the cache.
	//
	// Get returns an error if no element with the FieldKey is stored in the cache.
	//
	// Get returns errors that occur during retrieval of the information element.
	Get(context.Context, FieldKey) (*InformationElement, error)

	// GetAllBuilders returns a map of FieldBuilders for all fields currently stored in the cache.
	// If no fields are stored in the cache, the map is empty.
	GetAllBuilders(context.Context) map[FieldKey]*FieldBuilder

	// GetAll returns a map of InformationElements of all the fields stored in the cache.
	// If no information elements were added to the cache prior to the call, the map is empty.
	GetAll(context.Context) map[FieldKey]*InformationElement

	json.Marshaler
}

type FieldKey struct {
	EnterpriseId uint32
	Id           uint16
}

func NewFieldKey(enterpriseId uint32, fieldId uint16) FieldKey {
	return FieldKey{
		EnterpriseId: enterpriseId,
		Id:           fieldId,
	}
}

const (
	FieldKeySeparator string = ":"
)

func (k *FieldKey) String() string {
	return fmt.Sprintf("%d%s%d", k.EnterpriseId, FieldKeySeparator, k.Id)
}

func (k *FieldKey) MarshalText() (text []byte, err error) {
	text = []byte(k.String())
	return
}

func (k *FieldKey) Unmarshal(text string) (err error) {
	var enterpriseId uint32
	var fieldId uint16

	key := strings.Split(text, FieldKeySeparator)
	if len(key) != 2 {
		return errors.New("field key format is invalid")
	}

	if v, err := strconv.ParseUint(key[0], 10, 64); err != nil {
		return fmt.Errorf("enterprise id is invalid, %w", err)
	} else {
		enterpriseId = uint32(v)
	}
	if v, err := strconv.ParseUint(key[1], 10, 64); err != nil {
		return fmt.Errorf("field id is invalid, %w", err)
	} else {
		fieldId = uint16(v)
	}

	k.EnterpriseId = enterpriseId
	k.Id = fieldId
	return
}

func (k *FieldKey) UnmarshalText(text []byte) (err error) {
	return k.Unmarshal(string(text))
}

// InfoModel is the registry of Information Element definitions keyed by (enterpriseId,
// elementId), with a secondary unique index by name. It is the canonical
// FieldCache implementation: GetBuilder/Add/Delete/Get/GetAllBuilders/GetAll satisfy
// FieldCache so InfoModel can be handed directly to TemplateRecord/DataSet/Decoder
// wherever a FieldCache collaborator is expected.
//
// InfoModel additionally exposes Insert (with automatic reverse-companion generation
// for reversible IEs), GetByIdent, GetByName, AddAlien (for basicList content elements
// unknown to the model), and AddFromOptionRecord (RFC 5610 ingest).
type InfoModel struct {
	templateManager TemplateCache

	mu *sync.RWMutex

	// fields holds one FieldBuilder per identity, pre-wired with this model and the
	// template manager, for fast construction of Fields when decoding template records.
	fields map[FieldKey]*FieldBuilder

	// prototypes is the primary identity index: (enterpriseId, elementId) -> IE.
	prototypes map[FieldKey]*InformationElement

	// byName is the secondary unique index: name -> IE. Both indices must always agree
	// on which identities exist.
	byName map[string]*InformationElement

	log logr.Logger
}

var _ json.Marshaler = &InfoModel{}
var _ FieldCache = &InfoModel{}

// NewInfoModel creates an empty InfoModel. templateManager is injected into every
// FieldBuilder produced by the model so that SubTemplateList/SubTemplateMultiList fields
// constructed from model entries can resolve sibling templates.
func NewInfoModel(templateManager TemplateCache) *InfoModel {
	return &InfoModel{
		mu:              &sync.RWMutex{},
		fields:          map[FieldKey]*FieldBuilder{},
		prototypes:      map[FieldKey]*InformationElement{},
		byName:          map[string]*InformationElement{},
		templateManager: templateManager,
		log:             Log.WithName("infomodel"),
	}
}

// NewEphemeralFieldCache is retained as the FieldCache-flavored constructor name for
// call sites that only need the FieldCache surface, e.g. wiring into a TemplateRecord.
// It returns the same InfoModel type as NewInfoModel.
func NewEphemeralFieldCache(templateManager TemplateCache) FieldCache {
	return NewInfoModel(templateManager)
}

// GetBuilder retrieves the FieldBuilder for key. An identity unknown to the model is
// interned as an alien element (AddAlien) rather than returned as a throwaway
// UnassignedFieldBuilder, so repeated lookups of the same unknown IE resolve to the same
// named entry.
func (fm *InfoModel) GetBuilder(ctx context.Context, key FieldKey) (*FieldBuilder, error) {
	fm.mu.RLock()
	field, ok := fm.fields[key]
	fm.mu.RUnlock()
	if ok {
		return field, nil
	}

	fm.AddAlien(InformationElement{Id: key.Id, EnterpriseId: key.EnterpriseId})

	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.fields[key], nil
}

func (fm *InfoModel) Get(ctx context.Context, key FieldKey) (*InformationElement, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	ie, ok := fm.prototypes[key]
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrNoSuchElement, key.String())
	}
	return ie, nil
}

// GetByIdent looks up an Information Element by its (enterpriseId, elementId) identity,
// returning ok=false instead of an error on miss.
func (fm *InfoModel) GetByIdent(pen uint32, id uint16) (*InformationElement, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	ie, ok := fm.prototypes[NewFieldKey(pen, id)]
	return ie, ok
}

// GetByName looks up an Information Element by its interned, unique name.
func (fm *InfoModel) GetByName(name string) (*InformationElement, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	ie, ok := fm.byName[name]
	return ie, ok
}

// Add interns element into the model. It is the FieldCache-facing name for Insert.
func (fm *InfoModel) Add(ctx context.Context, element InformationElement) error {
	return fm.Insert(element)
}

// Insert interns an Information Element definition into the model.
//
//   - If the identity is already present, the existing entry is updated in place and the
//     by-name index is re-keyed (the old name is evicted, the new one inserted).
//   - If the element is marked FB_IE_F_REVERSIBLE (element.Reversible == true and the
//     identity is not already the reverse-PEN namespace), a companion reverse element is
//     also inserted: same elementId, PEN is ReversePEN when the original PEN is 0,
//     otherwise the original PEN is kept and the 0x8000 bit is set on the stored
//     elementId copy used for the reverse entry's own identity bookkeeping; its name is
//     "reverse" + Titlecase(original name).
func (fm *InfoModel) Insert(element InformationElement) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.insertLocked(element)

	if element.Reversible && element.EnterpriseId != ReversePEN {
		reverseId := element.Id
		if element.EnterpriseId != 0 {
			reverseId |= 0x8000
		}
		reverseKey := NewFieldKey(reverseCompanionPEN(element.EnterpriseId), reverseId)
		if _, exists := fm.prototypes[reverseKey]; !exists {
			reverse := element.Clone()
			reverse.Name = reversedName(element.Name)
			reverse.EnterpriseId = reverseCompanionPEN(element.EnterpriseId)
			reverse.Id = reverseId
			reverse.Reversible = false
			fm.insertLocked(reverse)
		}
	}

	return nil
}

// reverseCompanionPEN computes the PEN under which a reverse companion element is
// stored: ReversePEN for IANA (PEN 0) elements, or the original enterprise PEN, in which
// case Insert sets the 0x8000 bit on the companion's element id.
func reverseCompanionPEN(pen uint32) uint32 {
	if pen == 0 {
		return ReversePEN
	}
	return pen
}

func (fm *InfoModel) insertLocked(element InformationElement) {
	fk := NewFieldKey(element.EnterpriseId, element.Id)

	if old, exists := fm.prototypes[fk]; exists && old.Name != element.Name {
		delete(fm.byName, old.Name)
	}

	ie := element
	fm.prototypes[fk] = &ie
	fm.byName[ie.Name] = &ie
	fm.fields[fk] = NewFieldBuilder(&ie).
		SetFieldManager(fm).
		SetTemplateManager(fm.templateManager).
		SetPEN(ie.EnterpriseId)
}

// AddAlien interns an Information Element observed on the wire (typically as the content
// element of a basicList) that the model does not already know. The alien
// entry is synthesized with a name derived from its identity and the Alien flag set, so
// that subsequent lookups succeed and list decoding can proceed.
func (fm *InfoModel) AddAlien(wireIe InformationElement) *InformationElement {
	if ie, ok := fm.GetByIdent(wireIe.EnterpriseId, wireIe.Id); ok {
		return ie
	}

	alien := wireIe
	alien.Alien = true
	if alien.Name == "" {
		alien.Name = fmt.Sprintf("_alien_%d_%d", alien.EnterpriseId, alien.Id)
	}
	if alien.Constructor == nil {
		alien.Constructor = NewOctetArray
	}

	fm.log.V(1).Info("interning alien information element", "pen", alien.EnterpriseId, "id", alien.Id, "name", alien.Name)

	fm.mu.Lock()
	fm.insertLocked(alien)
	fm.mu.Unlock()

	ie, _ := fm.GetByIdent(alien.EnterpriseId, alien.Id)
	return ie
}

// AddFromOptionRecord validates and interns an RFC 5610-style element-type definition
// carried in a data record. It rejects definitions using PEN 0 (IANA
// namespace) or ReversePEN, definitions whose identity is already present, and
// definitions whose name collides with an existing, different identity.
func (fm *InfoModel) AddFromOptionRecord(rec DataRecord) error {
	ie, err := dataRecordToIE(rec)
	if err != nil {
		return err
	}
	if ie == nil {
		// record did not carry an element-type definition at all; not an error, just a no-op
		return nil
	}

	if ie.EnterpriseId == 0 || ie.EnterpriseId == ReversePEN {
		return fmt.Errorf("%w: pen=%d", ErrReservedPEN, ie.EnterpriseId)
	}

	if _, exists := fm.GetByIdent(ie.EnterpriseId, ie.Id); exists {
		return fmt.Errorf("%w: pen=%d id=%d", ErrIdentityExists, ie.EnterpriseId, ie.Id)
	}
	if existing, exists := fm.GetByName(ie.Name); exists {
		if existing.EnterpriseId != ie.EnterpriseId || existing.Id != ie.Id {
			return fmt.Errorf("%w: %q", ErrNameExists, ie.Name)
		}
	}

	if ie.Constructor == nil {
		// infer default length from data type could not be resolved upstream; default to
		// octetArray so the element is at least decodable
		ie.Constructor = NewOctetArray
	}

	return fm.Insert(*ie)
}

func (fm *InfoModel) Delete(ctx context.Context, key FieldKey) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if ie, ok := fm.prototypes[key]; ok {
		delete(fm.byName, ie.Name)
	}
	delete(fm.fields, key)
	delete(fm.prototypes, key)
	return nil
}

func (fm *InfoModel) GetAllBuilders(ctx context.Context) map[FieldKey]*FieldBuilder {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	return fm.fields
}

func (fm *InfoModel) GetAll(ctx context.Context) map[FieldKey]*InformationElement {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	return fm.prototypes
}

func (fm *InfoModel) MarshalJSON() ([]byte, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	s := make(map[string]interface{})
	for k, v := range fm.fields {
		s[k.String()] = v
	}
	return json.Marshal(s)
}

// newIANAInfoModel is a utility for creating an InfoModel pre-populated with the IANA
// standard registry, e.g. for unit testing or as the seed model of a fresh Session.
//
// newIANAInfoModel panics if failing to add an IE to the model, as the static IANA table
// is expected to be internally consistent.
func newIANAInfoModel(templateManager TemplateCache) *InfoModel {
	fm := NewInfoModel(templateManager)
	for id, ie := range iana() {
		err := fm.Add(context.Background(), *ie)
		if err != nil {
			panic(fmt.Errorf("failed to add IANA IE %d to info model, %w", id, err))
		}
	}
	return fm
}
