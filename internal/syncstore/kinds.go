package syncstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Pricing modes for the service-types kind.
const (
	PricingHours     = "HOURS"
	PricingDistance  = "DISTANCE"
	PricingPassenger = "PASSENGER"
	PricingHybrid    = "HYBRID"
)

const (
	KindServiceTypes = "service-types"
	KindPolicies     = "policies"
)

// KindRegistry maps kind names to their definitions. A registry is safe for
// concurrent use; kinds are usually registered once at startup.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: map[string]Kind{}}
}

func (r *KindRegistry) Register(k Kind) error {
	if r == nil {
		return ErrInvalidInput
	}
	name := strings.TrimSpace(k.Name)
	if name == "" {
		return fmt.Errorf("%w: kind name is required", ErrInvalidInput)
	}
	k.Name = name
	if strings.TrimSpace(k.Collection) == "" {
		k.Collection = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[name] = k
	return nil
}

func (r *KindRegistry) Lookup(name string) (Kind, bool) {
	if r == nil {
		return Kind{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[strings.TrimSpace(name)]
	return k, ok
}

func (r *KindRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinKinds returns a registry preloaded with the kinds the dispatch
// back-office ships with.
func BuiltinKinds() *KindRegistry {
	r := NewKindRegistry()
	_ = r.Register(serviceTypesKind())
	_ = r.Register(policiesKind())
	return r
}

// canonPricingType uppercases and validates a pricing mode, falling back to
// HOURS for anything unrecognized.
func canonPricingType(v any) any {
	mode := strings.ToUpper(strings.TrimSpace(toString(v)))
	switch mode {
	case PricingHours, PricingDistance, PricingPassenger, PricingHybrid:
		return mode
	default:
		return PricingHours
	}
}

func canonString(v any) any {
	return strings.TrimSpace(toString(v))
}

func serviceTypesKind() Kind {
	k := Kind{
		Name:       KindServiceTypes,
		Label:      "Service Type",
		Collection: "service_types",
		Fields: []FieldSpec{
			{
				Key:     "pricing_type",
				Columns: []string{"pricing_type", "billing_mode", "pricing_modes"},
				Default: PricingHours,
				Canon:   canonPricingType,
			},
			{
				Key:     "custom_label",
				Columns: []string{"custom_label", "default_label", "label"},
				Default: "",
				Canon:   canonString,
			},
		},
	}
	k.Variants = []Variant{
		{
			Name: "flat",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":           e.ID,
					"name":         e.Name,
					"code":         e.Code,
					"active":       e.Active,
					"sort_order":   e.SortOrder,
					"pricing_type": payloadString(e, "pricing_type"),
					"custom_label": payloadString(e, "custom_label"),
				}
			},
		},
		{
			Name: "status-array",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":            e.ID,
					"name":          e.Name,
					"code":          e.Code,
					"status":        statusString(e),
					"sort_order":    e.SortOrder,
					"pricing_modes": []any{payloadString(e, "pricing_type")},
					"default_label": payloadString(e, "custom_label"),
				}
			},
		},
		{
			Name: "metadata",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":           e.ID,
					"name":         e.Name,
					"status":       statusString(e),
					"billing_mode": payloadString(e, "pricing_type"),
					"metadata": map[string]any{
						"code":         e.Code,
						"sort_order":   e.SortOrder,
						"custom_label": payloadString(e, "custom_label"),
					},
				}
			},
		},
		{
			Name: "minimal",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":     e.ID,
					"name":   e.Name,
					"active": e.Active,
				}
			},
		},
	}
	k.Seeds = func() []Entity {
		seeds := []struct {
			name    string
			code    string
			pricing string
		}{
			{"Point to Point", "P2P", PricingDistance},
			{"Hourly As Directed", "HOURLY", PricingHours},
			{"Airport Arrival", "ARR", PricingDistance},
			{"Airport Departure", "DEP", PricingDistance},
			{"Wedding Package", "WED", PricingHybrid},
		}
		entities := make([]Entity, 0, len(seeds))
		for i, seed := range seeds {
			entities = append(entities, Normalize(k, Entity{
				Name:      seed.name,
				Code:      seed.code,
				Active:    true,
				SortOrder: i,
				Payload:   map[string]any{"pricing_type": seed.pricing},
			}))
		}
		return entities
	}
	return k
}

func policiesKind() Kind {
	k := Kind{
		Name:       KindPolicies,
		Label:      "Policy",
		Collection: "policies",
		Fields: []FieldSpec{
			{
				Key:     "html",
				Columns: []string{"html", "body", "content"},
				Default: "",
			},
		},
	}
	k.Variants = []Variant{
		{
			Name: "flat",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":         e.ID,
					"name":       e.Name,
					"code":       e.Code,
					"active":     e.Active,
					"sort_order": e.SortOrder,
					"html":       payloadString(e, "html"),
				}
			},
		},
		{
			Name: "status-body",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":         e.ID,
					"name":       e.Name,
					"status":     statusString(e),
					"sort_order": e.SortOrder,
					"body":       payloadString(e, "html"),
				}
			},
		},
		{
			Name: "metadata",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":     e.ID,
					"name":   e.Name,
					"status": statusString(e),
					"metadata": map[string]any{
						"html":       payloadString(e, "html"),
						"sort_order": e.SortOrder,
					},
				}
			},
		},
		{
			Name: "minimal",
			Encode: func(e Entity) map[string]any {
				return map[string]any{
					"id":     e.ID,
					"name":   e.Name,
					"active": e.Active,
				}
			},
		},
	}
	k.Seeds = func() []Entity {
		seeds := []struct {
			name string
			html string
		}{
			{"Cancellation Policy", "<p>Cancellations within 24 hours are billed in full.</p>"},
			{"Deposit Policy", "<p>A 20% deposit is required to confirm a reservation.</p>"},
			{"Child Seat Policy", "<p>Child seats are available on request at booking time.</p>"},
		}
		entities := make([]Entity, 0, len(seeds))
		for i, seed := range seeds {
			entities = append(entities, Normalize(k, Entity{
				Name:      seed.name,
				Active:    true,
				SortOrder: i,
				Payload:   map[string]any{"html": seed.html},
			}))
		}
		return entities
	}
	return k
}

func payloadString(e Entity, key string) string {
	if e.Payload == nil {
		return ""
	}
	return toString(e.Payload[key])
}

func statusString(e Entity) string {
	if e.Active {
		return "active"
	}
	return "inactive"
}
