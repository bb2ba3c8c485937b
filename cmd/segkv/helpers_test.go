package main

import (
	"bytes"
	"testing"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

func TestParseCLIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		keyHex  string
		want    []byte
		wantErr bool
	}{
		{"string", "mykey", "", []byte("mykey"), false},
		{"hex", "", "0a0b", []byte{0x0a, 0x0b}, false},
		{"hex wins", "mykey", "ff", []byte{0xff}, false},
		{"bad hex", "", "xyz", nil, true},
		{"missing", "", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCLIKey(tt.key, tt.keyHex)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %x, want %x", got, tt.want)
			}
		})
	}
}

func TestParseCLIValue(t *testing.T) {
	if v, err := parseCLIValue("hello", "", true); err != nil || string(v) != "hello" {
		t.Errorf("string value = %q, %v", v, err)
	}
	if v, err := parseCLIValue("", "beef", false); err != nil || !bytes.Equal(v, []byte{0xbe, 0xef}) {
		t.Errorf("hex value = %x, %v", v, err)
	}
	v, err := parseCLIValue("", "", true)
	if err != nil || v == nil || len(v) != 0 {
		t.Errorf("explicit empty value = %v, %v", v, err)
	}
	if _, err := parseCLIValue("", "", false); err == nil {
		t.Error("expected error for missing value")
	}
	if _, err := parseCLIValue("", "zz", false); err == nil {
		t.Error("expected error for bad hex value")
	}
}

func TestParseHexPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"", nil},
		{"abc", []byte("abc")},
		{"0x0102", []byte{1, 2}},
		{"0XFF", []byte{0xff}},
		{"x'0a'", []byte{0x0a}},
		{"0xzz", []byte("0xzz")},
	}
	for _, tt := range tests {
		if got := parseHexPrefix(tt.in); !bytes.Equal(got, tt.want) || (got == nil) != (tt.want == nil) {
			t.Errorf("parseHexPrefix(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrefixSuccessor(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("abc"), []byte("abd")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := prefixSuccessor(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixSuccessor(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}

	in := []byte("ab")
	prefixSuccessor(in)
	if string(in) != "ab" {
		t.Errorf("prefixSuccessor modified its input: %q", in)
	}
}

func TestFormatKeyValue(t *testing.T) {
	if got := formatKey([]byte("user:1")); got != "user:1" {
		t.Errorf("formatKey = %q", got)
	}
	if got := formatKey([]byte{0x00, 0x01}); got != "0x0001" {
		t.Errorf("formatKey binary = %q", got)
	}
	if got := formatValue(nil); got != `""` {
		t.Errorf("formatValue empty = %q", got)
	}
	if got := formatValue([]byte("héllo\tworld")); got != "héllo\tworld" {
		t.Errorf("formatValue utf8 = %q", got)
	}
	if got := formatValue([]byte{0xde, 0xad}); got != "0xdead" {
		t.Errorf("formatValue binary = %q", got)
	}
	if got := formatValue([]byte("a\nb")); got != "0x610a62" {
		t.Errorf("formatValue control = %q", got)
	}
}

func TestPreprocessStartsWith(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT * FROM kv WHERE k STARTS WITH 'ab'", "SELECT * FROM kv WHERE k LIKE 'ab%'"},
		{"SELECT * FROM kv WHERE k starts with x'0102' LIMIT 5", "SELECT * FROM kv WHERE k LIKE '" + hexLikeMarker + "0102%' LIMIT 5"},
		{"SELECT * FROM kv", "SELECT * FROM kv"},
	}
	for _, tt := range tests {
		if got := preprocessStartsWith(tt.in); got != tt.want {
			t.Errorf("preprocessStartsWith(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLikePrefix(t *testing.T) {
	if p, ok := likePrefix([]byte("user:%")); !ok || string(p) != "user:" {
		t.Errorf("likePrefix = %q, %v", p, ok)
	}
	for _, bad := range []string{"user", "%user", "us_er%", "a%b%"} {
		if _, ok := likePrefix([]byte(bad)); ok {
			t.Errorf("likePrefix(%q) accepted", bad)
		}
	}
}

func whereOf(t *testing.T, sql string) keyQuery {
	t.Helper()
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		t.Fatalf("%q is not a SELECT", sql)
	}
	var q keyQuery
	if err := parseWhere(sel.Where.Expr, &q); err != nil {
		t.Fatalf("parseWhere(%q): %v", sql, err)
	}
	return q
}

func TestParseWhere(t *testing.T) {
	tests := []struct {
		name     string
		where    string
		from, to string
		match    []string
		skip     []string
	}{
		{"equals", "k = 'b'", "b", "b\x00", []string{"b"}, []string{"a", "b\x00", "c"}},
		{"range", "k >= 'b' AND k < 'd'", "b", "d", []string{"b", "c"}, []string{"a", "d"}},
		{"exclusive from", "k > 'b'", "b", "", []string{"b\x00", "z"}, []string{"b", "a"}},
		{"at most", "k <= 'b'", "", "b\x00", []string{"a", "b"}, []string{"b\x00", "c"}},
		{"between", "k BETWEEN 'b' AND 'c'", "b", "c\x00", []string{"b", "c"}, []string{"a", "ca"}},
		{"like", "k LIKE 'ab%'", "ab", "ac", []string{"ab", "abz"}, []string{"aa", "ac"}},
		{"narrowed", "(k >= 'a' AND k >= 'c') AND k < 'x' AND k < 'f'", "c", "f", []string{"c", "e"}, []string{"b", "f"}},
		{"qualified", "kv.k = 'q'", "q", "q\x00", []string{"q"}, []string{"r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := whereOf(t, "SELECT * FROM kv WHERE "+tt.where)
			from, to := q.bounds()
			if string(from) != tt.from || string(to) != tt.to {
				t.Errorf("bounds = [%q, %q), want [%q, %q)", from, to, tt.from, tt.to)
			}
			for _, k := range tt.match {
				if !q.matches([]byte(k)) {
					t.Errorf("expected %q to match", k)
				}
			}
			for _, k := range tt.skip {
				if q.matches([]byte(k)) {
					t.Errorf("expected %q not to match", k)
				}
			}
		})
	}
}

func TestParseWhereContradiction(t *testing.T) {
	q := whereOf(t, "SELECT * FROM kv WHERE k = 'a' AND k = 'b'")
	if !q.none {
		t.Fatal("expected contradictory filter")
	}
	if q.matches([]byte("a")) || q.matches([]byte("b")) {
		t.Error("contradictory filter matched a key")
	}
}

func TestExtractBytesHexPrefix(t *testing.T) {
	q := whereOf(t, preprocessStartsWith("SELECT * FROM kv WHERE k STARTS WITH x'7a00'"))
	if from, to := q.bounds(); !bytes.Equal(from, []byte{0x7a, 0x00}) || !bytes.Equal(to, []byte{0x7a, 0x01}) {
		t.Errorf("bounds = [%x, %x)", from, to)
	}
}
