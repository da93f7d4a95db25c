package content

import (
	"encoding/json"
	"time"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

// Record is one logical entity row: the parent columns plus the assembled
// side-table values. Fields is keyed by flattened field id.
type Record struct {
	Entity      string         `json:"entity"`
	ID          string         `json:"id"`
	Rid         int64          `json:"rid"`
	Actor       string         `json:"user"`
	ContentHash string         `json:"content_hash"`
	CacheTTL    int64          `json:"cache_ttl"`
	LastCached  *time.Time     `json:"last_cached,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Fields      map[string]any `json:"fields"`
}

// CacheKey returns the JSON cache key for this record.
func (r *Record) CacheKey() string {
	return r.Entity + ":" + r.ID
}

// Encode serializes the record for the cache.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord is the inverse of Encode.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Storage(false, "decode cached record", err)
	}
	return &r, nil
}

// normalizeValues validates the provided field values against the
// definition and returns the canonical map: every declared field that has
// a value, with nils and empty multi-value lists dropped. Unknown keys are
// rejected so typos surface instead of being ignored.
func normalizeValues(def *schema.EntityDefinition, values map[string]any) (map[string]any, error) {
	declared := make(map[string]schema.Field)
	for _, f := range schema.Flatten(def.Fields) {
		declared[f.ID] = f
	}

	for key := range values {
		if _, ok := declared[key]; !ok {
			return nil, errs.InvalidField(key, "entity %q declares no such field", def.ID)
		}
	}

	out := make(map[string]any, len(values))
	for _, f := range schema.Flatten(def.Fields) {
		v, present := values[f.ID]
		if err := f.Validate(v); err != nil {
			return nil, err
		}
		if !present || v == nil {
			continue
		}
		if f.Multi() {
			items, _ := v.([]any)
			if len(items) == 0 {
				continue
			}
			out[f.ID] = items
			continue
		}
		out[f.ID] = v
	}
	return out, nil
}
