package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
	"github.com/freeeve/segkv"
	"github.com/peterh/liner"
	"github.com/pkg/errors"
)

// defaultSelectLimit caps SELECT output when no LIMIT is given.
const defaultSelectLimit = 100

// Shell provides an interactive SQL-like query interface over the virtual
// table kv (k, v).
type Shell struct {
	store       *segkv.Store
	out         io.Writer
	prompt      string
	historyFile string
	line        *liner.State
}

// NewShell creates a new shell instance writing results to out.
func NewShell(store *segkv.Store, out io.Writer) *Shell {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".segkv_history")
	}

	return &Shell{
		store:       store,
		out:         out,
		prompt:      "segkv> ",
		historyFile: historyFile,
	}
}

// Run starts the interactive shell.
func (s *Shell) Run() {
	s.line = liner.NewLiner()
	defer s.line.Close()

	s.line.SetCtrlCAborts(true)
	s.loadHistory()

	s.printf("segkv shell %s\n", versionString())
	s.printf("Type \\help for help, \\q to quit\n\n")

	s.runLoop()
	s.saveHistory()
}

func (s *Shell) loadHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Open(s.historyFile)
	if err != nil {
		return
	}
	s.line.ReadHistory(f)
	f.Close()
}

func (s *Shell) saveHistory() {
	if s.historyFile == "" {
		return
	}
	f, err := os.Create(s.historyFile)
	if err != nil {
		return
	}
	s.line.WriteHistory(f)
	f.Close()
}

func (s *Shell) runLoop() {
	for {
		input, err := s.line.Prompt(s.prompt)
		if err == liner.ErrPromptAborted {
			s.printf("^C\n")
			continue
		}
		if err != nil {
			s.printf("\n")
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.line.AppendHistory(input)
		if !s.execute(input) {
			return
		}
	}
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one line of input. Returns false to exit.
func (s *Shell) execute(line string) bool {
	if strings.HasPrefix(line, "\\") {
		return s.handleCommand(line)
	}

	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	line = preprocessStartsWith(line)

	stmt, err := sqlparser.Parse(line)
	if err != nil {
		s.printf("Parse error: %v\n", err)
		return true
	}

	switch st := stmt.(type) {
	case *sqlparser.Select:
		err = s.handleSelect(st)
	case *sqlparser.Insert:
		err = s.handleInsert(st)
	case *sqlparser.Update:
		err = s.handleUpdate(st)
	case *sqlparser.Delete:
		err = s.handleDelete(st)
	default:
		s.printf("Unsupported statement type: %T\n", stmt)
	}
	if err != nil {
		s.printf(msgErr, err)
	}
	return true
}

func (s *Shell) handleCommand(cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true
	}

	switch parts[0] {
	case "\\q", "\\quit", "\\exit":
		s.printf("Bye\n")
		return false
	case "\\help", "\\h", "\\?":
		s.printHelp()
	case "\\stats":
		printStats(s.out, s.store.Stats())
	case "\\compact":
		s.printf("Compacting...\n")
		if err := s.runBackground(s.store.Compact); err != nil {
			s.printf(msgErr, err)
		} else {
			s.printf("Done\n")
		}
	case "\\flush":
		if err := s.runBackground(s.store.Flush); err != nil {
			s.printf(msgErr, err)
		} else {
			s.printf("Flushed\n")
		}
	case "\\tables":
		s.printf("Table: kv (k BLOB, v BLOB)\n")
		s.printf("  - k: the key (string or hex with x'...')\n")
		s.printf("  - v: the value\n")
	default:
		s.printf("Unknown command: %s\n", parts[0])
		s.printf("Type \\help for help\n")
	}
	return true
}

// runBackground starts a background operation and waits for it.
func (s *Shell) runBackground(start func() error) error {
	if err := start(); err != nil {
		return err
	}
	return s.store.WaitForBackground(context.Background())
}

func (s *Shell) printHelp() {
	s.printf("%s\n", `SQL Commands:
  SELECT * FROM kv WHERE k = 'mykey'
  SELECT * FROM kv WHERE k LIKE 'prefix%'
  SELECT * FROM kv WHERE k STARTS WITH x'0102'
  SELECT * FROM kv WHERE k >= 'a' AND k < 'm'
  SELECT * FROM kv WHERE k BETWEEN 'a' AND 'z' LIMIT 10
  SELECT count(*) FROM kv WHERE k LIKE 'user:%'

  INSERT INTO kv (k, v) VALUES ('mykey', 'myvalue')
  INSERT INTO kv VALUES ('a', '1'), ('b', x'deadbeef')

  UPDATE kv SET v = 'newvalue' WHERE k = 'mykey'

  DELETE FROM kv WHERE k = 'mykey'
  DELETE FROM kv WHERE k LIKE 'prefix%'

Shell Commands:
  \help, \h, \?      Show this help
  \stats             Show store statistics
  \compact           Merge all segments into one
  \flush             Flush memtable to disk
  \tables            Show table schema
  \q, \quit          Exit shell

Notes:
  - Use single quotes for strings: 'mykey'
  - Use x'...' for hex values: x'deadbeef'
  - LIKE only supports prefix matching (trailing %)
  - SELECT shows at most 100 rows unless LIMIT is given`)
}

func (s *Shell) handleSelect(stmt *sqlparser.Select) error {
	var q keyQuery
	if stmt.Where != nil {
		if err := parseWhere(stmt.Where.Expr, &q); err != nil {
			return err
		}
	}
	limit, err := parseLimit(stmt.Limit, defaultSelectLimit)
	if err != nil {
		return err
	}
	counting := isCountQuery(stmt.SelectExprs)

	from, to := q.bounds()
	it, err := s.store.Range(from, to)
	if err != nil {
		return err
	}
	defer it.Close()

	var rows [][]string
	count := 0
	for it.Next() {
		if !q.matches(it.Key()) {
			continue
		}
		count++
		if counting {
			continue
		}
		rows = append(rows, []string{formatKey(it.Key()), formatValue(it.Value())})
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	if counting {
		printTable(s.out, []string{"count"}, [][]string{{fmt.Sprint(count)}})
		return nil
	}
	if len(rows) > 0 {
		printTable(s.out, []string{"k", "v"}, rows)
	}
	s.printf("(%d rows)\n", len(rows))
	return nil
}

func (s *Shell) handleInsert(stmt *sqlparser.Insert) error {
	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok || len(rows) == 0 {
		return errors.New("invalid INSERT syntax")
	}

	inserted := 0
	for _, row := range rows {
		if len(row) != 2 {
			s.printf("Error: INSERT requires (key, value)\n")
			continue
		}
		key, err := extractBytes(row[0])
		if err != nil {
			s.printf(msgErr, err)
			continue
		}
		if len(key) == 0 {
			s.printf("Error: key cannot be empty\n")
			continue
		}
		val, err := extractBytes(row[1])
		if err != nil {
			s.printf(msgErr, err)
			continue
		}
		if err := s.put(segkv.Entry{Key: key, Value: val}); err != nil {
			return err
		}
		inserted++
	}
	s.printf("INSERT %d\n", inserted)
	return nil
}

func (s *Shell) handleUpdate(stmt *sqlparser.Update) error {
	var q keyQuery
	if stmt.Where != nil {
		if err := parseWhere(stmt.Where.Expr, &q); err != nil {
			return err
		}
	}
	if !q.hasEquals || q.none {
		return errors.New("UPDATE requires WHERE k = 'value'")
	}

	var val []byte
	found := false
	for _, expr := range stmt.Exprs {
		if strings.ToLower(expr.Name.Name.String()) == "v" {
			b, err := extractBytes(expr.Expr)
			if err != nil {
				return err
			}
			val, found = b, true
		}
	}
	if !found {
		return errors.New("UPDATE requires SET v = ...")
	}

	if err := s.put(segkv.Entry{Key: q.equals, Value: val}); err != nil {
		return err
	}
	s.printf("UPDATE 1\n")
	return nil
}

func (s *Shell) handleDelete(stmt *sqlparser.Delete) error {
	if stmt.Where == nil {
		return errors.New("DELETE requires WHERE clause")
	}
	var q keyQuery
	if err := parseWhere(stmt.Where.Expr, &q); err != nil {
		return err
	}

	if q.hasEquals && !q.none && q.matches(q.equals) {
		if err := s.put(segkv.Tombstone(q.equals)); err != nil {
			return err
		}
		s.printf("DELETE 1\n")
		return nil
	}

	// Collect first so the scan does not observe its own tombstones.
	from, to := q.bounds()
	it, err := s.store.Range(from, to)
	if err != nil {
		return err
	}
	var keys [][]byte
	for it.Next() {
		if q.matches(it.Key()) {
			keys = append(keys, append([]byte(nil), it.Key()...))
		}
	}
	it.Close()

	for _, key := range keys {
		if err := s.put(segkv.Tombstone(key)); err != nil {
			return err
		}
	}
	s.printf("DELETE %d\n", len(keys))
	return nil
}

func (s *Shell) put(e segkv.Entry) error {
	return putRetry(context.Background(), s.store, e)
}

// printTable renders rows in a box.
func printTable(w io.Writer, headers []string, rows [][]string) {
	const maxWidth = 60
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(truncate(cell, maxWidth)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	printBoxLine(w, widths, "┌", "┬", "┐")
	printRow(w, widths, headers)
	printBoxLine(w, widths, "├", "┼", "┤")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = truncate(cell, maxWidth)
		}
		printRow(w, widths, cells)
	}
	printBoxLine(w, widths, "└", "┴", "┘")
}

func printRow(w io.Writer, widths []int, cells []string) {
	var b strings.Builder
	b.WriteString("│")
	for i, cell := range cells {
		b.WriteString(" ")
		b.WriteString(cell)
		b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
		b.WriteString(" │")
	}
	fmt.Fprintln(w, b.String())
}

func printBoxLine(w io.Writer, widths []int, left, mid, right string) {
	var b strings.Builder
	b.WriteString(left)
	for i, width := range widths {
		if i > 0 {
			b.WriteString(mid)
		}
		b.WriteString(strings.Repeat("─", width+2))
	}
	b.WriteString(right)
	fmt.Fprintln(w, b.String())
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-3]) + "..."
}
