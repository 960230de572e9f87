// Package snapshot persists a proxy session to YAML and loads it back:
// the upstream address, the cloned advertisement and scan response, and
// the attribute tree with cached values. A stored snapshot lets the
// proxy impersonate a device that is no longer in range.
package snapshot

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/srg/blemitm/internal/adv"
	"github.com/srg/blemitm/internal/profile"
)

// Document is the stored session.
type Document struct {
	AdvName       string                `yaml:"advname,omitempty"`
	ConnectTo     string                `yaml:"connectto,omitempty"`
	AddrType      string                `yaml:"addrtype,omitempty"`
	Advertisement map[string]any        `yaml:"advertisement,omitempty"`
	ScanResponse  map[string]any        `yaml:"scanresponse,omitempty"`
	Services      map[string]ServiceDoc `yaml:"services,omitempty"`
}

// ServiceDoc is one stored service.
type ServiceDoc struct {
	Name            string             `yaml:"name,omitempty"`
	Characteristics map[string]CharDoc `yaml:"characteristics"`
}

// CharDoc is one stored characteristic.
type CharDoc struct {
	Name       string   `yaml:"name,omitempty"`
	Handle     uint16   `yaml:"handle"`
	Properties []string `yaml:"properties"`
	Value      string   `yaml:"value,omitempty"`
}

// FromSession captures a running session into a document.
func FromSession(tree *profile.Tree, advRec, scanResp *adv.Record, advName, connectTo, addrType string) *Document {
	doc := &Document{
		AdvName:   advName,
		ConnectTo: connectTo,
		AddrType:  addrType,
	}
	if advRec != nil {
		doc.Advertisement = recordToDoc(advRec)
	}
	if scanResp != nil && scanResp.Len() > 0 {
		doc.ScanResponse = recordToDoc(scanResp)
	}
	if tree != nil {
		doc.Services = make(map[string]ServiceDoc, len(tree.Services))
		for _, svc := range tree.Services {
			chars := make(map[string]CharDoc, len(svc.Characteristics))
			for _, c := range svc.Characteristics {
				chars[c.UUID] = CharDoc{
					Name:       c.Name,
					Handle:     c.SourceHandle,
					Properties: c.Properties.Names(),
					Value:      hex.EncodeToString(c.Value),
				}
			}
			doc.Services[svc.UUID] = ServiceDoc{Name: svc.Name, Characteristics: chars}
		}
	}
	return doc
}

// Tree rebuilds the attribute tree. Services and characteristics come
// back in UUID order; upstream handles and cached values are restored.
func (d *Document) Tree() (*profile.Tree, error) {
	tree := &profile.Tree{}
	for _, svcUUID := range sortedKeys(d.Services) {
		svcDoc := d.Services[svcUUID]
		svc := tree.AddService(profile.NewService(svcUUID))
		if svcDoc.Name != "" {
			svc.Name = svcDoc.Name
		}
		for _, charUUID := range sortedKeys(svcDoc.Characteristics) {
			charDoc := svcDoc.Characteristics[charUUID]
			props, err := profile.ParseProperties(charDoc.Properties)
			if err != nil {
				return nil, fmt.Errorf("characteristic %s: %w", charUUID, err)
			}
			c := svc.AddCharacteristic(profile.NewCharacteristic(charUUID, props, charDoc.Handle))
			if charDoc.Name != "" {
				c.Name = charDoc.Name
			}
			if charDoc.Value != "" {
				value, err := hex.DecodeString(charDoc.Value)
				if err != nil {
					return nil, fmt.Errorf("characteristic %s value: %w", charUUID, err)
				}
				c.Value = value
			}
		}
	}
	tree.AssignHandles()
	return tree, nil
}

// Advertisement rebuilds the stored advertising record.
func (d *Document) Advertisement() (*adv.Record, error) {
	return docToRecord(d.Advertisement)
}

// ScanResponseRecord rebuilds the stored scan response record.
func (d *Document) ScanResponseRecord() (*adv.Record, error) {
	return docToRecord(d.ScanResponse)
}

// Save writes the document to path.
func Save(path string, d *Document) error {
	out, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialise snapshot: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load reads a document from path.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	doc := &Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return doc, nil
}

// recordToDoc lowers a record to YAML-friendly values keyed by AD type.
func recordToDoc(rec *adv.Record) map[string]any {
	out := make(map[string]any, rec.Len())
	for _, t := range rec.Types() {
		v, _ := rec.Field(t)
		key := fmt.Sprintf("0x%02x", t)
		switch val := v.(type) {
		case adv.Flags:
			out[key] = int(val)
		case adv.UUIDList:
			out[key] = []string(val)
		case adv.Name:
			out[key] = string(val)
		case adv.TxPower:
			out[key] = int(val)
		case adv.ServiceDataMap:
			m := make(map[string]string, val.Len())
			for p := val.Oldest(); p != nil; p = p.Next() {
				m[p.Key] = hex.EncodeToString(p.Value)
			}
			out[key] = m
		case adv.ManufacturerMap:
			m := make(map[string]string, val.Len())
			for p := val.Oldest(); p != nil; p = p.Next() {
				m[fmt.Sprintf("0x%04x", p.Key)] = hex.EncodeToString(p.Value)
			}
			out[key] = m
		case adv.Raw:
			out[key] = hex.EncodeToString(val)
		}
	}
	return out
}

// docToRecord raises YAML values back into a record.
func docToRecord(doc map[string]any) (*adv.Record, error) {
	rec := adv.NewRecord()
	if doc == nil {
		return rec, nil
	}
	for _, key := range sortedKeys(doc) {
		t, err := parseHexByte(key)
		if err != nil {
			return nil, fmt.Errorf("advertisement key %q: %w", key, err)
		}
		if err := applyDocField(rec, t, doc[key]); err != nil {
			return nil, fmt.Errorf("advertisement key %q: %w", key, err)
		}
	}
	return rec, nil
}

func applyDocField(rec *adv.Record, t uint8, value any) error {
	switch t {
	case adv.TypeFlags:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		rec.SetFlags(adv.Flags(n))
	case adv.TypeSomeUUID16, adv.TypeAllUUID16, adv.TypeSomeUUID128, adv.TypeAllUUID128:
		uuids, err := asStringList(value)
		if err != nil {
			return err
		}
		// Merge instead of set so 16-bit and 128-bit list keys coexist.
		tmp := adv.NewRecord()
		if err := tmp.SetServiceUUIDs(uuids); err != nil {
			return err
		}
		rec.Merge(tmp)
	case adv.TypeShortName:
		s, err := asString(value)
		if err != nil {
			return err
		}
		rec.SetShortName(s)
	case adv.TypeCompleteName:
		s, err := asString(value)
		if err != nil {
			return err
		}
		rec.SetLocalName(s)
	case adv.TypeTxPower:
		n, err := asInt(value)
		if err != nil {
			return err
		}
		rec.SetTxPower(int8(n))
	case adv.TypeServiceData16:
		m, err := asStringMap(value)
		if err != nil {
			return err
		}
		for _, uuid := range sortedKeys(m) {
			data, err := hex.DecodeString(m[uuid])
			if err != nil {
				return fmt.Errorf("service data %s: %w", uuid, err)
			}
			if err := rec.AddServiceData(uuid, data); err != nil {
				return err
			}
		}
	case adv.TypeManufacturerData:
		m, err := asStringMap(value)
		if err != nil {
			return err
		}
		for _, company := range sortedKeys(m) {
			id, err := strconv.ParseUint(strings.TrimPrefix(company, "0x"), 16, 16)
			if err != nil {
				return fmt.Errorf("company ID %q: %w", company, err)
			}
			data, err := hex.DecodeString(m[company])
			if err != nil {
				return fmt.Errorf("manufacturer data %s: %w", company, err)
			}
			rec.AddManufacturer(uint16(id), data)
		}
	default:
		s, err := asString(value)
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		// Opaque fields re-enter the record through the codec so the
		// typed merge rules stay in one place.
		structure := append([]byte{byte(len(data) + 1), t}, data...)
		raw, err := adv.Decode(structure)
		if err != nil {
			return err
		}
		rec.Merge(raw)
	}
	return nil
}

func parseHexByte(s string) (uint8, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, err
	}
	return uint8(n), nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}

func asStringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

func asStringMap(v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, item := range m {
			s, err := asString(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a mapping, got %T", v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
