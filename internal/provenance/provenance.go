// Package provenance implements the Provenance Recorder (spec.md §4.5):
// PROV-O triples for every step execution, appended to an insertion-order
// log and streamed as Turtle or JSON-LD.
//
// No RDF or PROV-O library exists anywhere in the example pack (checked
// every go.mod in _examples/ and other_examples/); Turtle and JSON-LD
// serialization are therefore hand-built on strings.Builder and
// encoding/json, the same "string-builder-heavy query construction" style
// graph/store/sqlite.go uses for its own hand-rolled SQL builders. See
// DESIGN.md for the standard-library justification.
package provenance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is one step execution's PROV-O triple set (spec.md §3's
// ProvenanceRecord entity).
type Record struct {
	SessionID      string
	InvocationID   string
	StepID         string
	AgentRole      string
	AgentInstance  string
	InputEntities  []string
	OutputEntities []string
	StartedAt      time.Time
	EndedAt        time.Time
	Attributes     map[string]string
}

// activityURI and friends derive stable URIs from session id and
// invocation id, per spec.md §4.5's "identifiers are stable URIs" clause.
func activityURI(sessionID, invocationID string) string {
	return fmt.Sprintf("urn:neuroconv:session:%s:activity:%s", sessionID, invocationID)
}

func agentURI(role, instance string) string {
	return fmt.Sprintf("urn:neuroconv:agent:%s:%s", role, instance)
}

func entityURI(sessionID, name string) string {
	return fmt.Sprintf("urn:neuroconv:session:%s:entity:%s", sessionID, name)
}

// Log is an append-only, insertion-ordered provenance record list. A
// concrete Store (internal/store) persists it; Log itself is the pure
// in-memory representation streamed by ToTurtle/ToJSONLD.
type Log struct {
	Records []Record
}

func (l *Log) Append(r Record) { l.Records = append(l.Records, r) }

// ToTurtle serializes the log to PROV-O Turtle (spec.md §4.5's default
// streaming format), escaping literal strings for the Turtle grammar.
func (l *Log) ToTurtle() string {
	var b strings.Builder
	b.WriteString("@prefix prov: <http://www.w3.org/ns/prov#> .\n")
	b.WriteString("@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .\n\n")

	for _, r := range l.Records {
		act := activityURI(r.SessionID, r.InvocationID)
		agent := agentURI(r.AgentRole, r.AgentInstance)

		fmt.Fprintf(&b, "<%s> a prov:Activity ;\n", act)
		fmt.Fprintf(&b, "  prov:startedAtTime \"%s\"^^xsd:dateTime ;\n", r.StartedAt.UTC().Format(time.RFC3339Nano))
		fmt.Fprintf(&b, "  prov:endedAtTime \"%s\"^^xsd:dateTime ;\n", r.EndedAt.UTC().Format(time.RFC3339Nano))
		fmt.Fprintf(&b, "  prov:wasAssociatedWith <%s> ", agent)

		for _, in := range r.InputEntities {
			fmt.Fprintf(&b, ";\n  prov:used <%s> ", entityURI(r.SessionID, in))
		}
		for _, out := range r.OutputEntities {
			fmt.Fprintf(&b, ";\n  prov:wasInformedBy <%s> ", entityURI(r.SessionID, out))
		}
		for k, v := range r.Attributes {
			fmt.Fprintf(&b, ";\n  prov:value \"%s=%s\" ", turtleEscape(k), turtleEscape(v))
		}
		b.WriteString(".\n")

		fmt.Fprintf(&b, "<%s> a prov:SoftwareAgent .\n", agent)
		for _, out := range r.OutputEntities {
			fmt.Fprintf(&b, "<%s> a prov:Entity ;\n  prov:wasGeneratedBy <%s> .\n", entityURI(r.SessionID, out), act)
		}
		for _, in := range r.InputEntities {
			fmt.Fprintf(&b, "<%s> a prov:Entity .\n", entityURI(r.SessionID, in))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func turtleEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// jsonLDNode is one @graph entry in ToJSONLD's output.
type jsonLDNode struct {
	ID         string            `json:"@id"`
	Type       string            `json:"@type"`
	StartedAt  string            `json:"prov:startedAtTime,omitempty"`
	EndedAt    string            `json:"prov:endedAtTime,omitempty"`
	Associated string            `json:"prov:wasAssociatedWith,omitempty"`
	Used       []string          `json:"prov:used,omitempty"`
	Generated  []string          `json:"prov:wasGeneratedBy,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type jsonLDDoc struct {
	Context map[string]string `json:"@context"`
	Graph   []jsonLDNode       `json:"@graph"`
}

// ToJSONLD serializes the log to PROV-O JSON-LD, the format negotiated by
// transport/httpapi's provenance endpoint when a client requests
// application/ld+json (spec.md §6.5).
func (l *Log) ToJSONLD() ([]byte, error) {
	doc := jsonLDDoc{
		Context: map[string]string{
			"prov": "http://www.w3.org/ns/prov#",
			"xsd":  "http://www.w3.org/2001/XMLSchema#",
		},
	}

	for _, r := range l.Records {
		act := activityURI(r.SessionID, r.InvocationID)
		agent := agentURI(r.AgentRole, r.AgentInstance)

		node := jsonLDNode{
			ID:         act,
			Type:       "prov:Activity",
			StartedAt:  r.StartedAt.UTC().Format(time.RFC3339Nano),
			EndedAt:    r.EndedAt.UTC().Format(time.RFC3339Nano),
			Associated: agent,
			Attributes: r.Attributes,
		}
		for _, in := range r.InputEntities {
			node.Used = append(node.Used, entityURI(r.SessionID, in))
		}
		for _, out := range r.OutputEntities {
			node.Generated = append(node.Generated, entityURI(r.SessionID, out))
		}
		doc.Graph = append(doc.Graph, node)
		doc.Graph = append(doc.Graph, jsonLDNode{ID: agent, Type: "prov:SoftwareAgent"})
		for _, out := range r.OutputEntities {
			doc.Graph = append(doc.Graph, jsonLDNode{ID: entityURI(r.SessionID, out), Type: "prov:Entity", Generated: []string{act}})
		}
		for _, in := range r.InputEntities {
			doc.Graph = append(doc.Graph, jsonLDNode{ID: entityURI(r.SessionID, in), Type: "prov:Entity"})
		}
	}

	return json.MarshalIndent(doc, "", "  ")
}
