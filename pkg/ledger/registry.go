package ledger

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/yrippert-maker/papa-app-sub003/pkg/canonicalize"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://papa.schemas.local/ledger/"

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("ledger: validation failed")

// ErrReservedEventType rejects governance events submitted from outside the
// key lifecycle service.
var ErrReservedEventType = errors.New("ledger: event type is reserved for key governance")

// CheckExternal reports whether callers outside the service may append t.
func CheckExternal(t EventType) error {
	if IsGovernance(t) {
		return fmt.Errorf("%w: %s", ErrReservedEventType, t)
	}
	return nil
}

// ValidationError rejects an append before anything is hashed or written.
type ValidationError struct {
	EventType EventType
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("ledger: invalid %s event: %s", e.EventType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

type eventSpec struct {
	schema *jsonschema.Schema
	decode func(data []byte) (Payload, error)
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after payload")
	}
	return p, nil
}

var registry = mustBuildRegistry(map[EventType]func([]byte) (Payload, error){
	EventFileRegistered:           decodeAs[FileRegistered],
	EventDocumentPublished:        decodeAs[DocumentPublished],
	EventInspectionCardTransition: decodeAs[InspectionCardTransition],
	EventInventoryAdjusted:        decodeAs[InventoryAdjusted],
	EventEvidenceExported:         decodeAs[EvidenceExported],
	EventKeyRotated:               decodeAs[KeyRotated],
	EventKeyRevoked:               decodeAs[KeyRevoked],
	EventKeyRequestCreated:        decodeAs[KeyRequestCreated],
	EventKeyRequestApproved:       decodeAs[KeyRequestApproved],
	EventKeyRequestRejected:       decodeAs[KeyRequestRejected],
	EventKeyRequestExecuted:       decodeAs[KeyRequestExecuted],
	EventBreakGlassActivated:      decodeAs[BreakGlassActivated],
	EventBreakGlassDeactivated:    decodeAs[BreakGlassDeactivated],
	EventBreakGlassAction:         decodeAs[BreakGlassAction],
})

func mustBuildRegistry(decoders map[EventType]func([]byte) (Payload, error)) map[EventType]eventSpec {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	out := make(map[EventType]eventSpec, len(decoders))
	for t, dec := range decoders {
		name := string(t) + ".schema.json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("ledger: missing schema for %s: %v", t, err))
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("ledger: schema load failed for %s: %v", t, err))
		}
		compiled, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			panic(fmt.Sprintf("ledger: schema compile failed for %s: %v", t, err))
		}
		out[t] = eventSpec{schema: compiled, decode: dec}
	}
	return out
}

// Allowed reports whether t is in the catalogue.
func Allowed(t EventType) bool {
	_, ok := registry[t]
	return ok
}

// EventTypes lists the catalogue, sorted.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks raw against the schema for t and returns the typed payload
// and its canonical JSON. Nothing is coerced: unknown types, unknown fields,
// schema violations and non-NFC text are all rejected.
func Validate(t EventType, raw []byte) (Payload, []byte, error) {
	spec, ok := registry[t]
	if !ok {
		return nil, nil, &ValidationError{EventType: t, Reason: "event type is not allowlisted"}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, &ValidationError{EventType: t, Reason: "payload is not valid JSON", Err: err}
	}
	if path, bad := firstNonNFC(doc, ""); bad {
		return nil, nil, &ValidationError{EventType: t, Reason: "text is not NFC normalized at " + path}
	}
	if err := spec.schema.Validate(doc); err != nil {
		return nil, nil, &ValidationError{EventType: t, Reason: "schema violation", Err: err}
	}

	p, err := spec.decode(raw)
	if err != nil {
		return nil, nil, &ValidationError{EventType: t, Reason: "payload does not match event shape", Err: err}
	}

	canonical, err := canonicalize.JCS(json.RawMessage(raw))
	if err != nil {
		return nil, nil, &ValidationError{EventType: t, Reason: "payload cannot be canonicalized", Err: err}
	}
	return p, canonical, nil
}

// Decode parses a stored canonical payload into its typed form.
func Decode(t EventType, raw []byte) (Payload, error) {
	spec, ok := registry[t]
	if !ok {
		return nil, &ValidationError{EventType: t, Reason: "event type is not allowlisted"}
	}
	return spec.decode(raw)
}

func firstNonNFC(v any, path string) (string, bool) {
	switch val := v.(type) {
	case string:
		if !norm.NFC.IsNormalString(val) {
			return orRoot(path), true
		}
	case []any:
		for i, elem := range val {
			if p, bad := firstNonNFC(elem, fmt.Sprintf("%s/%d", path, i)); bad {
				return p, true
			}
		}
	case map[string]any:
		for key, elem := range val {
			if !norm.NFC.IsNormalString(key) {
				return path + "/" + key, true
			}
			if p, bad := firstNonNFC(elem, path+"/"+strings.ReplaceAll(key, "/", "~1")); bad {
				return p, true
			}
		}
	}
	return "", false
}

func orRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
