package r5

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource types
const (
	TypePatient     = "Patient"
	TypeObservation = "Observation"
	TypeBundle      = "Bundle"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
}

// IdentifierValue returns the value of the first identifier in system.
func (p *Patient) IdentifierValue(system string) string {
	for _, id := range p.Identifier {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}

// Observation represents a FHIR R5 Observation resource.
type Observation struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Status       string            `json:"status"` // registered | preliminary | final | amended
	Category     []CodeableConcept `json:"category,omitempty"`
	Code         CodeableConcept   `json:"code"`
	Subject      *Reference        `json:"subject,omitempty"`

	EffectiveDateTime *time.Time  `json:"effectiveDateTime,omitempty"`
	Issued            *time.Time  `json:"issued,omitempty"`
	Performer         []Reference `json:"performer,omitempty"`

	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`

	Interpretation []CodeableConcept           `json:"interpretation,omitempty"`
	Note           []Annotation                `json:"note,omitempty"`
	Method         *CodeableConcept            `json:"method,omitempty"`
	ReferenceRange []ObservationReferenceRange `json:"referenceRange,omitempty"`
	DerivedFrom    []Reference                 `json:"derivedFrom,omitempty"`
}

// ObservationReferenceRange gives the normal bounds of a value.
type ObservationReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Bundle is a FHIR R5 Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"` // collection | document | transaction | ...
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource in a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// BundleCollection is the bundle type for an unordered set of resources
const BundleCollection = "collection"

// NewBundle creates an empty bundle of the given type
func NewBundle(id, bundleType string, ts time.Time) *Bundle {
	return &Bundle{
		ResourceType: TypeBundle,
		ID:           id,
		Type:         bundleType,
		Timestamp:    &ts,
	}
}

// Add appends resource under fullURL.
func (b *Bundle) Add(fullURL string, resource any) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("encode bundle entry %s: %w", fullURL, err)
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: raw})
	return nil
}

// Observations decodes every Observation entry
func (b *Bundle) Observations() ([]Observation, error) {
	var out []Observation
	for _, e := range b.Entry {
		if resourceType(e.Resource) != TypeObservation {
			continue
		}
		var o Observation
		if err := json.Unmarshal(e.Resource, &o); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.FullURL, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Patient decodes the first Patient entry, if any
func (b *Bundle) Patient() (*Patient, error) {
	for _, e := range b.Entry {
		if resourceType(e.Resource) != TypePatient {
			continue
		}
		var p Patient
		if err := json.Unmarshal(e.Resource, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.FullURL, err)
		}
		return &p, nil
	}
	return nil, nil
}

func resourceType(raw json.RawMessage) string {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ResourceType
}
