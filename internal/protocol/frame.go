// Package protocol implements the line-oriented wire protocol spoken by
// clients, batch peers, and slave connectors: one message per line, with
// shell-style quoting for values containing spaces or special characters.
//
//	client → server:  <id> <NAME> <key>=<value> ...
//	server → client:  <id> <complete 0|1> <errorCode> <key>=<value> ...
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

// Command is one parsed client request.
type Command struct {
	ID   uint64
	Name string
	Args Args
}

// Result is one server response frame. Multi-row results stream rows with
// Complete=false followed by one terminal frame with Complete=true.
type Result struct {
	ID       uint64
	Complete bool
	Code     barerr.Code
	Fields   Fields
}

// Args is the typed key-value argument map of a command.
type Args map[string]string

// Fields is the ordered key-value payload of a result frame. Order is kept
// so streamed rows are stable for clients and tests.
type Fields []Field

// Field is one key=value pair of a result frame.
type Field struct {
	Key   string
	Value string
}

// Add appends a field, formatting the value with %v.
func (f Fields) Add(key string, value any) Fields {
	return append(f, Field{Key: key, Value: fmt.Sprintf("%v", value)})
}

// ParseCommand parses one request line.
func ParseCommand(line string) (*Command, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, barerr.New(barerr.CodeExpectedParameter, "malformed command line: %v", err)
	}
	if len(words) < 2 {
		return nil, barerr.New(barerr.CodeExpectedParameter, "expected <id> <name>")
	}
	id, err := strconv.ParseUint(words[0], 10, 64)
	if err != nil {
		return nil, barerr.New(barerr.CodeExpectedParameter, "invalid command id %q", words[0])
	}

	cmd := &Command{ID: id, Name: words[1], Args: make(Args)}
	for _, w := range words[2:] {
		key, value, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return nil, barerr.New(barerr.CodeExpectedParameter, "invalid argument %q", w)
		}
		cmd.Args[key] = value
	}
	return cmd, nil
}

// quoteValue applies shell-style quoting only when needed, keeping bare
// tokens readable in logs and batch transcripts.
func quoteValue(s string) string {
	if s == "" {
		return "''"
	}
	quoted := shellquote.Join(s)
	return quoted
}

// Format renders a command line (used by the slave connector acting as a
// protocol client).
func (c *Command) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", c.ID, c.Name)
	for key, value := range c.Args {
		fmt.Fprintf(&b, " %s=%s", key, quoteValue(value))
	}
	return b.String()
}

// Format renders a result line.
func (r *Result) Format() string {
	var b strings.Builder
	complete := 0
	if r.Complete {
		complete = 1
	}
	fmt.Fprintf(&b, "%d %d %d", r.ID, complete, r.Code)
	for _, f := range r.Fields {
		fmt.Fprintf(&b, " %s=%s", f.Key, quoteValue(f.Value))
	}
	return b.String()
}

// ParseResult parses one response line (slave connector side).
func ParseResult(line string) (*Result, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("protocol: malformed result line: %w", err)
	}
	if len(words) < 3 {
		return nil, fmt.Errorf("protocol: expected <id> <complete> <errorCode>")
	}
	id, err := strconv.ParseUint(words[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid result id %q", words[0])
	}
	complete, err := strconv.Atoi(words[1])
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid complete flag %q", words[1])
	}
	code, err := strconv.Atoi(words[2])
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid error code %q", words[2])
	}

	r := &Result{ID: id, Complete: complete != 0, Code: barerr.Code(code)}
	for _, w := range words[3:] {
		key, value, _ := strings.Cut(w, "=")
		r.Fields = append(r.Fields, Field{Key: key, Value: value})
	}
	return r, nil
}

// Get returns a field value from a result by key.
func (r *Result) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// ---- typed argument accessors -----------------------------------------------

// String returns a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", barerr.New(barerr.CodeExpectedParameter, "expected parameter %q", key)
	}
	return v, nil
}

// StringDefault returns an optional string argument.
func (a Args) StringDefault(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// Int returns a required integer argument.
func (a Args) Int(key string) (int, error) {
	v, err := a.String(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, barerr.New(barerr.CodeExpectedParameter, "parameter %q: invalid integer %q", key, v)
	}
	return n, nil
}

// IntDefault returns an optional integer argument.
func (a Args) IntDefault(key string, def int) int {
	v, ok := a[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Int64 returns a required 64-bit integer argument.
func (a Args) Int64(key string) (int64, error) {
	v, err := a.String(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, barerr.New(barerr.CodeExpectedParameter, "parameter %q: invalid integer %q", key, v)
	}
	return n, nil
}

// Bool returns an optional boolean argument (yes/no, true/false, 1/0).
func (a Args) Bool(key string, def bool) bool {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "true", "1", "on":
		return true
	case "no", "false", "0", "off":
		return false
	}
	return def
}

// UUID returns a required UUID argument.
func (a Args) UUID(key string) (uuid.UUID, error) {
	v, err := a.String(key)
	if err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.UUID{}, barerr.New(barerr.CodeExpectedParameter, "parameter %q: invalid uuid %q", key, v)
	}
	return id, nil
}

// UUIDDefault returns an optional UUID argument; missing or malformed
// values yield the zero UUID.
func (a Args) UUIDDefault(key string) uuid.UUID {
	v, ok := a[key]
	if !ok {
		return uuid.UUID{}
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}
