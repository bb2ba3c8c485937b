package main

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/pkg/errors"
)

// keyQuery is the key filter of a WHERE clause reduced to a single range.
type keyQuery struct {
	equals    []byte
	hasEquals bool
	none      bool   // contradictory filters
	from, to  []byte // half-open [from, to); nil is unbounded
	skipFrom  bool   // from itself is excluded (k > x)
}

// bounds returns the scan range of the query.
func (q *keyQuery) bounds() (from, to []byte) {
	if q.hasEquals {
		return q.equals, keySuccessor(q.equals)
	}
	return q.from, q.to
}

// matches reports whether key satisfies every filter of the query.
func (q *keyQuery) matches(key []byte) bool {
	switch {
	case q.none:
		return false
	case q.hasEquals && !bytes.Equal(key, q.equals):
		return false
	case q.from != nil && bytes.Compare(key, q.from) < 0:
		return false
	case q.skipFrom && bytes.Equal(key, q.from):
		return false
	case q.to != nil && bytes.Compare(key, q.to) >= 0:
		return false
	}
	return true
}

// narrowFrom raises the lower bound to b if it is higher.
func (q *keyQuery) narrowFrom(b []byte, exclusive bool) {
	switch {
	case q.from == nil || bytes.Compare(b, q.from) > 0:
		q.from, q.skipFrom = b, exclusive
	case bytes.Equal(b, q.from):
		q.skipFrom = q.skipFrom || exclusive
	}
}

// narrowTo lowers the exclusive upper bound to b if it is lower.
func (q *keyQuery) narrowTo(b []byte) {
	if b == nil {
		return
	}
	if q.to == nil || bytes.Compare(b, q.to) < 0 {
		q.to = b
	}
}

// keySuccessor is the smallest key sorting after key.
func keySuccessor(key []byte) []byte {
	return append(append([]byte(nil), key...), 0)
}

// parseWhere folds a WHERE expression on k into q. Only conjunctions of
// key comparisons are supported.
func parseWhere(expr sqlparser.Expr, q *keyQuery) error {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		if err := parseWhere(e.Left, q); err != nil {
			return err
		}
		return parseWhere(e.Right, q)
	case *sqlparser.ParenExpr:
		return parseWhere(e.Expr, q)
	case *sqlparser.ComparisonExpr:
		if !isKeyColumn(e.Left) {
			return errors.New("only the key column k can be filtered")
		}
		val, err := extractBytes(e.Right)
		if err != nil {
			return err
		}
		switch strings.ToLower(e.Operator) {
		case "=":
			if q.hasEquals && !bytes.Equal(q.equals, val) {
				q.none = true
			}
			q.equals, q.hasEquals = val, true
		case ">=":
			q.narrowFrom(val, false)
		case ">":
			q.narrowFrom(val, true)
		case "<":
			q.narrowTo(val)
		case "<=":
			q.narrowTo(keySuccessor(val))
		case "like":
			prefix, ok := likePrefix(val)
			if !ok {
				return errors.New("LIKE only supports prefix matching (e.g., 'prefix%')")
			}
			q.narrowFrom(prefix, false)
			q.narrowTo(prefixSuccessor(prefix))
		default:
			return errors.Errorf("unsupported operator %s", e.Operator)
		}
		return nil
	case *sqlparser.RangeCond:
		if !isKeyColumn(e.Left) {
			return errors.New("only the key column k can be filtered")
		}
		if strings.ToLower(e.Operator) != "between" {
			return errors.Errorf("unsupported operator %s", e.Operator)
		}
		lo, err := extractBytes(e.From)
		if err != nil {
			return err
		}
		hi, err := extractBytes(e.To)
		if err != nil {
			return err
		}
		q.narrowFrom(lo, false)
		q.narrowTo(keySuccessor(hi))
		return nil
	default:
		return errors.Errorf("unsupported WHERE expression %s", sqlparser.String(expr))
	}
}

func isKeyColumn(expr sqlparser.Expr) bool {
	col, ok := expr.(*sqlparser.ColName)
	if !ok {
		return false
	}
	qualifier := strings.ToLower(col.Qualifier.Name.String())
	return strings.ToLower(col.Name.String()) == "k" && (qualifier == "" || qualifier == "kv")
}

// likePrefix extracts the prefix of a 'prefix%' pattern.
func likePrefix(pattern []byte) ([]byte, bool) {
	if !bytes.HasSuffix(pattern, []byte("%")) {
		return nil, false
	}
	prefix := pattern[:len(pattern)-1]
	if bytes.ContainsAny(prefix, "%_") {
		return nil, false
	}
	return prefix, true
}

// extractBytes returns the bytes of a string, hex or integer literal.
func extractBytes(expr sqlparser.Expr) ([]byte, error) {
	v, ok := expr.(*sqlparser.SQLVal)
	if !ok {
		return nil, errors.Errorf("expected a literal, got %s", sqlparser.String(expr))
	}
	switch v.Type {
	case sqlparser.StrVal, sqlparser.IntVal, sqlparser.FloatVal:
		if s, ok := strings.CutPrefix(string(v.Val), hexLikeMarker); ok {
			s, wildcard := strings.CutSuffix(s, "%")
			b, err := hex.DecodeString(s)
			if err != nil {
				return nil, errors.Wrap(err, "decode hex prefix")
			}
			if wildcard {
				b = append(b, '%')
			}
			return b, nil
		}
		b := make([]byte, len(v.Val))
		copy(b, v.Val)
		return b, nil
	case sqlparser.HexVal:
		b, err := hex.DecodeString(string(v.Val))
		return b, errors.Wrap(err, "decode hex literal")
	default:
		return nil, errors.Errorf("unsupported literal %s", sqlparser.String(expr))
	}
}

// hexLikeMarker tags a hex prefix rewritten from STARTS WITH x'...'.
const hexLikeMarker = "$$HEX$$"

// preprocessStartsWith converts "STARTS WITH" syntax to LIKE syntax before SQL parsing.
// Converts:
//   - k STARTS WITH x'14' → k LIKE '$$HEX$$14%'
//   - k STARTS WITH '14' → k LIKE '14%'
func preprocessStartsWith(sql string) string {
	lower := strings.ToLower(sql)
	idx := strings.Index(lower, "starts with")
	if idx == -1 {
		return sql
	}

	after := strings.TrimSpace(sql[idx+len("starts with"):])
	if len(after) >= 3 && (after[0] == 'x' || after[0] == 'X') && after[1] == '\'' {
		if end := strings.Index(after[2:], "'"); end != -1 {
			return sql[:idx] + "LIKE '" + hexLikeMarker + after[2:2+end] + "%'" + after[2+end+1:]
		}
	} else if len(after) >= 2 && after[0] == '\'' {
		if end := strings.Index(after[1:], "'"); end != -1 {
			return sql[:idx] + "LIKE '" + after[1:1+end] + "%'" + after[1+end+1:]
		}
	}
	return sql
}

// parseLimit returns the LIMIT row count, or def when there is none.
func parseLimit(limit *sqlparser.Limit, def int) (int, error) {
	if limit == nil || limit.Rowcount == nil {
		return def, nil
	}
	val, ok := limit.Rowcount.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.IntVal {
		return 0, errors.New("LIMIT must be an integer")
	}
	n, err := strconv.Atoi(string(val.Val))
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid LIMIT %s", val.Val)
	}
	return n, nil
}

// isCountQuery reports whether the select list is a single count(...).
func isCountQuery(exprs sqlparser.SelectExprs) bool {
	if len(exprs) != 1 {
		return false
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return false
	}
	fn, ok := aliased.Expr.(*sqlparser.FuncExpr)
	return ok && strings.ToLower(fn.Name.String()) == "count"
}
