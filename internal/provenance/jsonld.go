package provenance

import (
	"encoding/json"
	"time"
)

// jsonldContext is the pinned PROV-O JSON-LD context spec.md §4.5
// requires ("streaming serialization to ... JSON-LD with a pinned
// context"). Pinning the context (rather than resolving prov-o.jsonld
// from the network on every serialize) keeps ToJSONLD pure and offline.
var jsonldContext = map[string]any{
	"prov":             "http://www.w3.org/ns/prov#",
	"xsd":              "http://www.w3.org/2001/XMLSchema#",
	"startedAtTime":    map[string]string{"@id": "prov:startedAtTime", "@type": "xsd:dateTime"},
	"endedAtTime":      map[string]string{"@id": "prov:endedAtTime", "@type": "xsd:dateTime"},
	"wasAssociatedWith": map[string]string{"@id": "prov:wasAssociatedWith", "@type": "@id"},
	"used":             map[string]string{"@id": "prov:used", "@type": "@id"},
	"wasGeneratedBy":   map[string]string{"@id": "prov:wasGeneratedBy", "@type": "@id"},
}

type jsonldActivity struct {
	ID                string            `json:"@id"`
	Type              string            `json:"@type"`
	StartedAtTime     string            `json:"startedAtTime"`
	EndedAtTime       string            `json:"endedAtTime"`
	WasAssociatedWith string            `json:"wasAssociatedWith"`
	Used              []string          `json:"used,omitempty"`
	Generated         []string          `json:"wasGeneratedBy,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

type jsonldDocument struct {
	Context map[string]any   `json:"@context"`
	Graph   []jsonldActivity `json:"@graph"`
}

// ToJSONLD serializes the log as one JSON-LD document under the pinned
// context, one node per recorded activity.
func (l *Log) ToJSONLD() ([]byte, error) {
	doc := jsonldDocument{Context: jsonldContext}

	for _, r := range l.Records {
		act := jsonldActivity{
			ID:                activityURI(r.SessionID, r.InvocationID),
			Type:              "prov:Activity",
			StartedAtTime:     r.StartedAt.UTC().Format(time.RFC3339Nano),
			EndedAtTime:       r.EndedAt.UTC().Format(time.RFC3339Nano),
			WasAssociatedWith: agentURI(r.AgentRole, r.AgentInstance),
			Attributes:        r.Attributes,
		}
		for _, in := range r.InputEntities {
			act.Used = append(act.Used, entityURI(r.SessionID, in))
		}
		for _, out := range r.OutputEntities {
			act.Generated = append(act.Generated, entityURI(r.SessionID, out))
		}
		doc.Graph = append(doc.Graph, act)
	}

	return json.MarshalIndent(doc, "", "  ")
}
