package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/freeeve/segkv"
)

func openShellStore(t *testing.T, dir string) *segkv.Store {
	t.Helper()
	store, err := segkv.Open(dir, segkv.DefaultOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	store := openShellStore(t, t.TempDir())
	t.Cleanup(func() { store.Close() })
	var buf bytes.Buffer
	shell := NewShell(store, &buf)
	shell.historyFile = ""
	return shell, &buf
}

// runLine runs one line and returns what it printed.
func runLine(t *testing.T, shell *Shell, buf *bytes.Buffer, line string) string {
	t.Helper()
	buf.Reset()
	if !shell.execute(line) {
		t.Fatalf("%q exited the shell", line)
	}
	return buf.String()
}

func seedShell(t *testing.T, shell *Shell, buf *bytes.Buffer) {
	t.Helper()
	out := runLine(t, shell, buf, "INSERT INTO kv (k, v) VALUES ('user:1', 'alice'), ('user:2', 'bob'), ('user:3', 'carol'), ('zeta', 'z')")
	if !strings.Contains(out, "INSERT 4") {
		t.Fatalf("seed insert: %q", out)
	}
}

func TestShell_InsertSelect(t *testing.T) {
	shell, buf := newTestShell(t)

	out := runLine(t, shell, buf, "INSERT INTO kv (k, v) VALUES ('testkey', 'testvalue')")
	if !strings.Contains(out, "INSERT 1") {
		t.Errorf("insert output = %q", out)
	}

	out = runLine(t, shell, buf, "SELECT * FROM kv WHERE k = 'testkey';")
	if !strings.Contains(out, "testvalue") || !strings.Contains(out, "(1 rows)") {
		t.Errorf("select output:\n%s", out)
	}

	out = runLine(t, shell, buf, "SELECT * FROM kv WHERE k = 'missing'")
	if !strings.Contains(out, "(0 rows)") {
		t.Errorf("select missing:\n%s", out)
	}
}

func TestShell_InsertHexAndEmpty(t *testing.T) {
	shell, buf := newTestShell(t)

	out := runLine(t, shell, buf, "INSERT INTO kv VALUES (x'0102', x'deadbeef'), ('empty', '')")
	if !strings.Contains(out, "INSERT 2") {
		t.Errorf("insert output = %q", out)
	}
	out = runLine(t, shell, buf, "SELECT * FROM kv WHERE k = x'0102'")
	if !strings.Contains(out, "0x0102") || !strings.Contains(out, "deadbeef") {
		t.Errorf("hex select:\n%s", out)
	}
	out = runLine(t, shell, buf, "SELECT * FROM kv WHERE k = 'empty'")
	if !strings.Contains(out, `""`) || !strings.Contains(out, "(1 rows)") {
		t.Errorf("empty value select:\n%s", out)
	}

	out = runLine(t, shell, buf, "INSERT INTO kv VALUES ('', 'x')")
	if !strings.Contains(out, "key cannot be empty") || !strings.Contains(out, "INSERT 0") {
		t.Errorf("empty key insert = %q", out)
	}
}

func TestShell_SelectRanges(t *testing.T) {
	shell, buf := newTestShell(t)
	seedShell(t, shell, buf)

	tests := []struct {
		name  string
		query string
		want  []string
		not   []string
		rows  int
	}{
		{"all", "SELECT * FROM kv", []string{"alice", "z"}, nil, 4},
		{"like", "SELECT * FROM kv WHERE k LIKE 'user:%'", []string{"alice", "carol"}, []string{"zeta"}, 3},
		{"starts with", "SELECT * FROM kv WHERE k STARTS WITH 'user:'", []string{"bob"}, []string{"zeta"}, 3},
		{"starts with hex", "SELECT * FROM kv WHERE k STARTS WITH x'7a'", []string{"zeta"}, []string{"alice"}, 1},
		{"between", "SELECT * FROM kv WHERE k BETWEEN 'user:2' AND 'user:3'", []string{"bob", "carol"}, []string{"alice"}, 2},
		{"greater", "SELECT * FROM kv WHERE k > 'user:2'", []string{"carol", "zeta"}, []string{"bob"}, 2},
		{"bounded", "SELECT * FROM kv WHERE k >= 'user:1' AND k < 'user:3'", []string{"alice", "bob"}, []string{"carol"}, 2},
		{"at most", "SELECT * FROM kv WHERE k <= 'user:2'", []string{"alice", "bob"}, []string{"carol"}, 2},
		{"limit", "SELECT * FROM kv LIMIT 2", []string{"alice"}, []string{"carol"}, 2},
		{"contradiction", "SELECT * FROM kv WHERE k = 'user:1' AND k = 'user:2'", nil, []string{"alice"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runLine(t, shell, buf, tt.query)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in:\n%s", w, out)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(out, n) {
					t.Errorf("unexpected %q in:\n%s", n, out)
				}
			}
			if want := fmt.Sprintf("(%d rows)", tt.rows); !strings.Contains(out, want) {
				t.Errorf("want %s in:\n%s", want, out)
			}
		})
	}
}

func TestShell_Count(t *testing.T) {
	shell, buf := newTestShell(t)
	seedShell(t, shell, buf)

	out := runLine(t, shell, buf, "SELECT count(*) FROM kv WHERE k LIKE 'user:%'")
	if !strings.Contains(out, "count") || !strings.Contains(out, "│ 3") {
		t.Errorf("count output:\n%s", out)
	}
}

func TestShell_Update(t *testing.T) {
	shell, buf := newTestShell(t)
	seedShell(t, shell, buf)

	out := runLine(t, shell, buf, "UPDATE kv SET v = 'alicia' WHERE k = 'user:1'")
	if !strings.Contains(out, "UPDATE 1") {
		t.Errorf("update output = %q", out)
	}
	out = runLine(t, shell, buf, "SELECT * FROM kv WHERE k = 'user:1'")
	if !strings.Contains(out, "alicia") {
		t.Errorf("after update:\n%s", out)
	}

	out = runLine(t, shell, buf, "UPDATE kv SET v = 'x' WHERE k > 'a'")
	if !strings.Contains(out, "UPDATE requires WHERE k =") {
		t.Errorf("range update = %q", out)
	}
}

func TestShell_Delete(t *testing.T) {
	shell, buf := newTestShell(t)
	seedShell(t, shell, buf)

	out := runLine(t, shell, buf, "DELETE FROM kv WHERE k = 'zeta'")
	if !strings.Contains(out, "DELETE 1") {
		t.Errorf("delete output = %q", out)
	}

	out = runLine(t, shell, buf, "DELETE FROM kv WHERE k LIKE 'user:%'")
	if !strings.Contains(out, "DELETE 3") {
		t.Errorf("prefix delete output = %q", out)
	}

	out = runLine(t, shell, buf, "SELECT * FROM kv")
	if !strings.Contains(out, "(0 rows)") {
		t.Errorf("after deletes:\n%s", out)
	}

	out = runLine(t, shell, buf, "DELETE FROM kv")
	if !strings.Contains(out, "DELETE requires WHERE clause") {
		t.Errorf("unfiltered delete = %q", out)
	}
}

func TestShell_FlushCompactStats(t *testing.T) {
	shell, buf := newTestShell(t)
	seedShell(t, shell, buf)

	if out := runLine(t, shell, buf, `\flush`); !strings.Contains(out, "Flushed") {
		t.Errorf("flush output = %q", out)
	}
	runLine(t, shell, buf, "DELETE FROM kv WHERE k = 'zeta'")
	runLine(t, shell, buf, `\flush`)

	if out := runLine(t, shell, buf, `\stats`); !strings.Contains(out, "Segments: 2") {
		t.Errorf("stats before compact:\n%s", out)
	}
	if out := runLine(t, shell, buf, `\compact`); !strings.Contains(out, "Done") {
		t.Errorf("compact output = %q", out)
	}
	out := runLine(t, shell, buf, `\stats`)
	if !strings.Contains(out, "Segments: 1, 3 keys (0 tombstones)") {
		t.Errorf("stats after compact:\n%s", out)
	}

	out = runLine(t, shell, buf, "SELECT * FROM kv")
	if !strings.Contains(out, "(3 rows)") {
		t.Errorf("select after compact:\n%s", out)
	}
}

func TestShell_Commands(t *testing.T) {
	shell, buf := newTestShell(t)

	if out := runLine(t, shell, buf, `\help`); !strings.Contains(out, "SQL Commands:") {
		t.Errorf("help output = %q", out)
	}
	if out := runLine(t, shell, buf, `\tables`); !strings.Contains(out, "Table: kv") {
		t.Errorf("tables output = %q", out)
	}
	if out := runLine(t, shell, buf, `\bogus`); !strings.Contains(out, "Unknown command") {
		t.Errorf("unknown command output = %q", out)
	}

	buf.Reset()
	if shell.execute(`\q`) {
		t.Error(`\q should exit the shell`)
	}
	if !strings.Contains(buf.String(), "Bye") {
		t.Errorf("quit output = %q", buf.String())
	}
}

func TestShell_Errors(t *testing.T) {
	shell, buf := newTestShell(t)

	tests := []struct {
		query string
		want  string
	}{
		{"SELEKT nonsense", "Parse error"},
		{"SELECT * FROM kv WHERE v = 'x'", "only the key column k"},
		{"SELECT * FROM kv WHERE k LIKE '%suffix'", "LIKE only supports prefix"},
		{"SELECT * FROM kv WHERE k = 'a' OR k = 'b'", "unsupported WHERE expression"},
		{"SELECT * FROM kv LIMIT 'x'", "LIMIT must be an integer"},
		{"SET autocommit = 1", "Unsupported statement"},
	}
	for _, tt := range tests {
		if out := runLine(t, shell, buf, tt.query); !strings.Contains(out, tt.want) {
			t.Errorf("%q: output %q, want %q", tt.query, out, tt.want)
		}
	}
}
