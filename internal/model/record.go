package model

import "maps"

// Record is a loosely typed entity as returned by the server (a page, a
// space, ...). Records are patched by shallow merge, mirroring partial
// payloads pushed over the socket.
type Record map[string]any

// Merge returns a new record holding r overlaid with patch.
func (r Record) Merge(patch Record) Record {
	out := make(Record, len(r)+len(patch))
	maps.Copy(out, r)
	maps.Copy(out, patch)
	return out
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

func (r Record) String(field string) (string, bool) {
	raw, ok := r[field]
	if !ok || raw == nil {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}

// OptionalString distinguishes an absent field (present=false) from an
// explicit null (present=true, value=nil).
func (r Record) OptionalString(field string) (value *string, present bool) {
	raw, ok := r[field]
	if !ok {
		return nil, false
	}
	if raw == nil {
		return nil, true
	}
	typed, ok := raw.(string)
	if !ok {
		return nil, false
	}
	return &typed, true
}
