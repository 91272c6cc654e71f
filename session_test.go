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

func TestSessionTemplateRoles(t *testing.T) {
	s := NewEphemeralSession()
	ctx := context.Background()

	internalKey := TemplateKey{ObservationDomainId: 1, TemplateId: 256}
	externalKey := TemplateKey{ObservationDomainId: 1, TemplateId: 500}

	internal := &Template{Record: &TemplateRecord{TemplateId: 256}}
	external := &Template{Record: &TemplateRecord{TemplateId: 500}}

	if err := s.AddTemplate(ctx, RoleInternal, internalKey, internal); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTemplate(ctx, RoleExternal, externalKey, external); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Template(ctx, RoleInternal, internalKey); err != nil {
		t.Errorf("expected internal template to be found, %v", err)
	}
	if _, err := s.Template(ctx, RoleExternal, externalKey); err != nil {
		t.Errorf("expected external template to be found, %v", err)
	}
	if _, err := s.Template(ctx, RoleExternal, internalKey); err == nil {
		t.Errorf("expected internal template to not leak into the external table")
	}
}

func TestSessionTemplatePairing(t *testing.T) {
	s := NewEphemeralSession()

	s.SetTemplatePair(1, 256, 500)

	external, ok := s.LookupTemplatePair(1, 256)
	if !ok || external != 500 {
		t.Errorf("expected external id 500 for internal 256, got %d (ok=%v)", external, ok)
	}

	internal, ok := s.LookupInternalForExternal(1, 500)
	if !ok || internal != 256 {
		t.Errorf("expected internal id 256 for external 500, got %d (ok=%v)", internal, ok)
	}

	// unpaired template ids fall back to the identity mapping
	if id, ok := s.LookupTemplatePair(1, 999); ok || id != 999 {
		t.Errorf("expected identity fallback for unpaired template, got %d (ok=%v)", id, ok)
	}
	if id, ok := s.LookupInternalForExternal(1, 999); ok || id != 999 {
		t.Errorf("expected identity fallback for unpaired template, got %d (ok=%v)", id, ok)
	}
}

func TestSessionCheckSequence(t *testing.T) {
	s := NewEphemeralSession()

	if !s.CheckSequence(1, 0) {
		t.Errorf("expected first observed sequence number to always be in sequence")
	}
	if !s.CheckSequence(1, 1) {
		t.Errorf("expected sequential sequence numbers to be in sequence")
	}
	if s.CheckSequence(1, 5) {
		t.Errorf("expected a gap in sequence numbers to be reported as drift")
	}
	// drift resynchronizes the counter to seq+1 regardless
	if !s.CheckSequence(1, 6) {
		t.Errorf("expected sequence tracking to resynchronize after drift")
	}

	// sequence tracking is scoped per observation domain
	if !s.CheckSequence(2, 0) {
		t.Errorf("expected a new observation domain to start a fresh sequence")
	}
}

func TestSessionOnNewTemplate(t *testing.T) {
	s := NewEphemeralSession()
	ctx := context.Background()

	var seen []TemplateKey
	s.OnNewTemplate(func(role TemplateRole, key TemplateKey, tmpl *Template) {
		seen = append(seen, key)
	})

	key := TemplateKey{ObservationDomainId: 1, TemplateId: 256}
	tmpl := &Template{Record: &TemplateRecord{TemplateId: 256}}

	if err := s.AddTemplate(ctx, RoleInternal, key, tmpl); err != nil {
		t.Fatal(err)
	}
	// re-adding the same key must not fire the callback again
	if err := s.AddTemplate(ctx, RoleInternal, key, tmpl); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected exactly one new-template notification, got %d", len(seen))
	}
	if seen[0] != key {
		t.Errorf("expected notification for %v, got %v", key, seen[0])
	}
}
