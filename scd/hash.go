/*
hash.go - Canonical business-attribute digests

PURPOSE:
  record_hash is the change detector of the whole engine: two versions of an
  entity are "the same" exactly when their digests match. The encoding must
  therefore be deterministic regardless of field declaration order, locale,
  or numeric formatting.

CANONICAL FORM:
  Each business attribute becomes a named field. Fields are sorted by name,
  encoded as name=value pairs joined with unit separators, and hashed with
  SHA-256. Absent (NULL) values encode differently from empty strings so
  that clearing a field is a detectable change.

NUMERIC NORMALIZATION:
  Decimal fields are rendered with a fixed two-digit scale (money), so
  "500", "500.0" and "500.00" digest identically while "500.01" does not.

SEE ALSO:
  - types.go: Entity.Digest contract
  - payroll/types.go: The per-entity field sets
*/
package scd

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// moneyScale is the fixed decimal scale used when digesting amounts.
const moneyScale = 2

// Field is one named business attribute in canonical string form.
type Field struct {
	Name  string
	Value string
}

const nullValue = "\x00"

func String(name, v string) Field {
	return Field{Name: name, Value: v}
}

func Bool(name string, b bool) Field {
	if b {
		return Field{Name: name, Value: "true"}
	}
	return Field{Name: name, Value: "false"}
}

func Money(name string, d decimal.Decimal) Field {
	return Field{Name: name, Value: d.StringFixed(moneyScale)}
}

func NullMoney(name string, d decimal.NullDecimal) Field {
	if !d.Valid {
		return Field{Name: name, Value: nullValue}
	}
	return Money(name, d.Decimal)
}

func Day(name string, d Date) Field {
	return Field{Name: name, Value: d.String()}
}

func NullDay(name string, d NullDate) Field {
	if !d.Valid {
		return Field{Name: name, Value: nullValue}
	}
	return Day(name, d.Date)
}

// Digest hashes the canonical encoding of the given fields. Field order is
// irrelevant; field names must be unique within one entity.
func Digest(fields ...Field) string {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	for _, f := range sorted {
		sb.WriteString(f.Name)
		sb.WriteByte('\x1f')
		sb.WriteString(f.Value)
		sb.WriteByte('\x1e')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
