package memory

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cloudspannerecosystem/memefish"
	"github.com/cloudspannerecosystem/memefish/ast"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type table struct {
	name    string
	columns []string
	types   map[string]*sppb.Type
	key     []string
	rows    []map[string]*structpb.Value
}

func (t *table) clone() *table {
	c := &table{
		name:    t.name,
		columns: slices.Clone(t.columns),
		types:   make(map[string]*sppb.Type, len(t.types)),
		key:     slices.Clone(t.key),
		rows:    make([]map[string]*structpb.Value, 0, len(t.rows)),
	}
	for k, v := range t.types {
		c.types[k] = v
	}
	for _, row := range t.rows {
		r := make(map[string]*structpb.Value, len(row))
		for k, v := range row {
			r[k] = v
		}
		c.rows = append(c.rows, r)
	}
	return c
}

func (t *table) column(name string) (string, bool) {
	for _, c := range t.columns {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// addColumn registers a column seen for the first time in a write.
func (t *table) addColumn(name string, typ *sppb.Type) string {
	if c, ok := t.column(name); ok {
		if t.types[c] == nil && typ != nil {
			t.types[c] = typ
		}
		return c
	}
	t.columns = append(t.columns, name)
	t.types[name] = typ
	return name
}

func (t *table) typeOf(column string) *sppb.Type {
	if typ := t.types[column]; typ != nil {
		return typ
	}
	return &sppb.Type{Code: sppb.TypeCode_STRING}
}

func (t *table) keyOf(row map[string]*structpb.Value) (string, bool) {
	if len(t.key) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(t.key))
	for _, k := range t.key {
		v, ok := row[k]
		if !ok {
			parts = append(parts, "NULL")
			continue
		}
		parts = append(parts, valueString(v))
	}
	return strings.Join(parts, ","), true
}

func (t *table) hasKey(key string) bool {
	for _, row := range t.rows {
		if k, ok := t.keyOf(row); ok && k == key {
			return true
		}
	}
	return false
}

type schema struct {
	tables    map[string]*table
	indexes   map[string]string
	views     map[string]string
	sequences map[string]string
}

func newSchema() *schema {
	return &schema{
		tables:    make(map[string]*table),
		indexes:   make(map[string]string),
		views:     make(map[string]string),
		sequences: make(map[string]string),
	}
}

func (s *schema) clone() *schema {
	c := newSchema()
	for k, t := range s.tables {
		c.tables[k] = t.clone()
	}
	for k, v := range s.indexes {
		c.indexes[k] = v
	}
	for k, v := range s.views {
		c.views[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

func schemaKey(name string) string {
	return strings.ToLower(strings.Trim(name, "`"))
}

func (s *schema) table(name string) (*table, error) {
	t, ok := s.tables[schemaKey(name)]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Table not found: %s", strings.Trim(name, "`"))
	}
	return t, nil
}

func (s *schema) nameInUse(name string) bool {
	key := schemaKey(name)
	_, t := s.tables[key]
	_, i := s.indexes[key]
	_, v := s.views[key]
	_, q := s.sequences[key]
	return t || i || v || q
}

var (
	createTableBodyRe = regexp.MustCompile(`(?is)\((.*)\)\s*PRIMARY\s+KEY\s*\(([^)]*)\)`)
	typeNameRe        = regexp.MustCompile(`^[A-Za-z0-9_]+`)
)

var typeCodes = map[string]sppb.TypeCode{
	"BOOL":      sppb.TypeCode_BOOL,
	"INT64":     sppb.TypeCode_INT64,
	"FLOAT32":   sppb.TypeCode_FLOAT32,
	"FLOAT64":   sppb.TypeCode_FLOAT64,
	"NUMERIC":   sppb.TypeCode_NUMERIC,
	"STRING":    sppb.TypeCode_STRING,
	"BYTES":     sppb.TypeCode_BYTES,
	"DATE":      sppb.TypeCode_DATE,
	"TIMESTAMP": sppb.TypeCode_TIMESTAMP,
	"JSON":      sppb.TypeCode_JSON,
}

// parseTableBody extracts column definitions and the primary key of a CREATE TABLE.
func parseTableBody(ddl string) (columns []string, types map[string]*sppb.Type, key []string) {
	types = make(map[string]*sppb.Type)
	m := createTableBodyRe.FindStringSubmatch(ddl)
	if m == nil {
		return nil, types, nil
	}

	for _, def := range splitTopLevel(m[1], ',') {
		fields := strings.Fields(def)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "CONSTRAINT", "FOREIGN", "CHECK", "ROW":
			continue
		}
		name := strings.Trim(fields[0], "`")
		columns = append(columns, name)
		if code, ok := typeCodes[strings.ToUpper(typeNameRe.FindString(fields[1]))]; ok {
			types[name] = &sppb.Type{Code: code}
		} else {
			types[name] = nil
		}
	}

	for _, k := range strings.Split(m[2], ",") {
		fields := strings.Fields(k)
		if len(fields) == 0 {
			continue
		}
		key = append(key, strings.Trim(fields[0], "`"))
	}
	return columns, types, key
}

// applyDDL applies one schema statement to s.
func (s *schema) applyDDL(ddl string) error {
	stmt, err := memefish.ParseStatement("", ddl)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Error parsing Spanner DDL statement: %s : %v", ddl, err)
	}

	switch stmt := stmt.(type) {
	case *ast.CreateTable:
		name := stmt.Name.SQL()
		if s.nameInUse(name) {
			return status.Errorf(codes.FailedPrecondition, "Duplicate name in schema: %s.", strings.Trim(name, "`"))
		}
		columns, types, key := parseTableBody(ddl)
		s.tables[schemaKey(name)] = &table{
			name:    strings.Trim(name, "`"),
			columns: columns,
			types:   types,
			key:     key,
		}
	case *ast.DropTable:
		name := stmt.Name.SQL()
		if _, err := s.table(name); err != nil {
			return err
		}
		for idx, tbl := range s.indexes {
			if tbl == schemaKey(name) {
				return status.Errorf(codes.FailedPrecondition, "Cannot drop table %s with indices: %s.", strings.Trim(name, "`"), idx)
			}
		}
		delete(s.tables, schemaKey(name))
	case *ast.CreateIndex:
		name := stmt.Name.SQL()
		if s.nameInUse(name) {
			return status.Errorf(codes.FailedPrecondition, "Duplicate name in schema: %s.", strings.Trim(name, "`"))
		}
		tableName := stmt.TableName.SQL()
		if _, err := s.table(tableName); err != nil {
			return err
		}
		s.indexes[schemaKey(name)] = schemaKey(tableName)
	case *ast.DropIndex:
		key := schemaKey(stmt.Name.SQL())
		if _, ok := s.indexes[key]; !ok {
			return status.Errorf(codes.NotFound, "Index not found: %s", strings.Trim(stmt.Name.SQL(), "`"))
		}
		delete(s.indexes, key)
	case *ast.CreateView:
		name := stmt.Name.SQL()
		if _, ok := s.views[schemaKey(name)]; !ok && s.nameInUse(name) {
			return status.Errorf(codes.FailedPrecondition, "Duplicate name in schema: %s.", strings.Trim(name, "`"))
		}
		s.views[schemaKey(name)] = ddl
	case *ast.DropView:
		key := schemaKey(stmt.Name.SQL())
		if _, ok := s.views[key]; !ok {
			return status.Errorf(codes.NotFound, "View not found: %s", strings.Trim(stmt.Name.SQL(), "`"))
		}
		delete(s.views, key)
	case *ast.CreateSequence:
		name := stmt.Name.SQL()
		if s.nameInUse(name) {
			return status.Errorf(codes.FailedPrecondition, "Duplicate name in schema: %s.", strings.Trim(name, "`"))
		}
		s.sequences[schemaKey(name)] = ddl
	case *ast.DropSequence:
		key := schemaKey(stmt.Name.SQL())
		if _, ok := s.sequences[key]; !ok {
			return status.Errorf(codes.NotFound, "Sequence not found: %s", strings.Trim(stmt.Name.SQL(), "`"))
		}
		delete(s.sequences, key)
	default:
		if _, ok := stmt.(ast.DDL); !ok {
			return status.Errorf(codes.InvalidArgument, "Not a DDL statement: %s", ddl)
		}
		// Other schema changes (ALTER, CHANGE STREAM, ...) are accepted without effect.
	}
	return nil
}

func splitTopLevel(s string, sep rune) []string {
	var (
		parts   []string
		depth   int
		quote   rune
		current strings.Builder
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '(' || r == '<' || r == '[':
			depth++
		case r == ')' || r == '>' || r == ']':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func valueString(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "NULL"
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		return fmt.Sprint(k.BoolValue)
	case *structpb.Value_NumberValue:
		return fmt.Sprint(k.NumberValue)
	default:
		return v.String()
	}
}
