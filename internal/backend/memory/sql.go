package memory

import (
	"regexp"
	"strconv"
	"strings"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// The Server understands a deliberately tiny dialect:
//
//	SELECT <literal or @param> [AS name]
//	SELECT COUNT(*) [AS name] FROM t [WHERE ...]
//	SELECT * FROM t [WHERE ...]
//	INSERT [INTO] t (c, ...) VALUES (v, ...), ...
//	UPDATE t SET c = v, ... WHERE ...
//	DELETE [FROM] t WHERE ...
//
// where a WHERE clause is TRUE or c = v joined by AND.
var (
	selectCountRe = regexp.MustCompile(`(?is)^SELECT\s+COUNT\s*\(\s*\*\s*\)(?:\s+AS\s+(\w+))?\s+FROM\s+(\S+)(?:\s+WHERE\s+(.+))?$`)
	selectStarRe  = regexp.MustCompile(`(?is)^SELECT\s+\*\s+FROM\s+(\S+)(?:\s+WHERE\s+(.+))?$`)
	selectExprRe  = regexp.MustCompile(`(?is)^SELECT\s+(.+?)(?:\s+AS\s+(\w+))?$`)
	insertRe      = regexp.MustCompile(`(?is)^INSERT\s+(?:INTO\s+)?(\S+?)\s*\(([^)]*)\)\s*VALUES\s*(.+)$`)
	updateRe      = regexp.MustCompile(`(?is)^UPDATE\s+(\S+)\s+SET\s+(.+?)\s+WHERE\s+(.+)$`)
	deleteRe      = regexp.MustCompile(`(?is)^DELETE\s+(?:FROM\s+)?(\S+)\s+WHERE\s+(.+)$`)
	andRe         = regexp.MustCompile(`(?i)\s+AND\s+`)
	fromRe        = regexp.MustCompile(`(?i)\bFROM\b`)
	intLiteralRe  = regexp.MustCompile(`^-?\d+$`)
	numLiteralRe  = regexp.MustCompile(`^-?\d+\.\d*(?:[eE][-+]?\d+)?$`)
)

type result struct {
	fields    []*sppb.StructType_Field
	rows      []*structpb.ListValue
	count     int64
	mutations int
}

type binder struct {
	params *structpb.Struct
	types  map[string]*sppb.Type
}

func normalizeSQL(sql string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
}

func syntaxError(sql string) error {
	return status.Errorf(codes.InvalidArgument, "Syntax error: statement is not supported by the in-memory backend: %s", sql)
}

// query evaluates a read-only statement against db.
func query(db *schema, sql string, b binder) (*result, error) {
	sql = normalizeSQL(sql)

	if m := selectCountRe.FindStringSubmatch(sql); m != nil {
		t, err := db.table(m[2])
		if err != nil {
			return nil, err
		}
		matched, err := filterRows(t, m[3], b)
		if err != nil {
			return nil, err
		}
		return &result{
			fields: []*sppb.StructType_Field{{Name: m[1], Type: &sppb.Type{Code: sppb.TypeCode_INT64}}},
			rows: []*structpb.ListValue{{Values: []*structpb.Value{
				structpb.NewStringValue(strconv.Itoa(len(matched))),
			}}},
		}, nil
	}

	if m := selectStarRe.FindStringSubmatch(sql); m != nil {
		t, err := db.table(m[1])
		if err != nil {
			return nil, err
		}
		matched, err := filterRows(t, m[2], b)
		if err != nil {
			return nil, err
		}
		res := &result{}
		for _, c := range t.columns {
			res.fields = append(res.fields, &sppb.StructType_Field{Name: c, Type: t.typeOf(c)})
		}
		for _, i := range matched {
			row := &structpb.ListValue{}
			for _, c := range t.columns {
				v, ok := t.rows[i][c]
				if !ok {
					v = structpb.NewNullValue()
				}
				row.Values = append(row.Values, v)
			}
			res.rows = append(res.rows, row)
		}
		return res, nil
	}

	if m := selectExprRe.FindStringSubmatch(sql); m != nil && !fromRe.MatchString(m[1]) {
		v, typ, err := b.expr(m[1])
		if err != nil {
			return nil, err
		}
		if typ == nil {
			typ = &sppb.Type{Code: sppb.TypeCode_INT64}
		}
		return &result{
			fields: []*sppb.StructType_Field{{Name: m[2], Type: typ}},
			rows:   []*structpb.ListValue{{Values: []*structpb.Value{v}}},
		}, nil
	}

	return nil, syntaxError(sql)
}

// update evaluates a DML statement and modifies db in place.
func update(db *schema, sql string, b binder) (*result, error) {
	sql = normalizeSQL(sql)

	if m := insertRe.FindStringSubmatch(sql); m != nil {
		return insertRows(db, m[1], m[2], m[3], b)
	}

	if m := updateRe.FindStringSubmatch(sql); m != nil {
		t, err := db.table(m[1])
		if err != nil {
			return nil, err
		}
		type assignment struct {
			column string
			value  *structpb.Value
		}
		var assignments []assignment
		for _, a := range splitTopLevel(m[2], ',') {
			col, expr, ok := strings.Cut(a, "=")
			if !ok {
				return nil, syntaxError(sql)
			}
			v, typ, err := b.expr(strings.TrimSpace(expr))
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, assignment{
				column: t.addColumn(strings.Trim(strings.TrimSpace(col), "`"), typ),
				value:  v,
			})
		}
		matched, err := filterRows(t, m[3], b)
		if err != nil {
			return nil, err
		}
		for _, i := range matched {
			for _, a := range assignments {
				t.rows[i][a.column] = a.value
			}
		}
		return &result{count: int64(len(matched)), mutations: len(matched) * len(assignments)}, nil
	}

	if m := deleteRe.FindStringSubmatch(sql); m != nil {
		t, err := db.table(m[1])
		if err != nil {
			return nil, err
		}
		matched, err := filterRows(t, m[2], b)
		if err != nil {
			return nil, err
		}
		t.deleteRows(matched)
		return &result{count: int64(len(matched)), mutations: len(matched)}, nil
	}

	return nil, syntaxError(sql)
}

func insertRows(db *schema, tableName, columnList, values string, b binder) (*result, error) {
	t, err := db.table(tableName)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, c := range strings.Split(columnList, ",") {
		columns = append(columns, strings.Trim(strings.TrimSpace(c), "`"))
	}

	var count int64
	for _, tuple := range splitTopLevel(values, ',') {
		tuple = strings.TrimSpace(tuple)
		if !strings.HasPrefix(tuple, "(") || !strings.HasSuffix(tuple, ")") {
			return nil, syntaxError(values)
		}
		exprs := splitTopLevel(tuple[1:len(tuple)-1], ',')
		if len(exprs) != len(columns) {
			return nil, status.Errorf(codes.InvalidArgument, "Inserted row has wrong column count; Has %d, expected %d", len(exprs), len(columns))
		}
		row := make(map[string]*structpb.Value, len(columns))
		for i, expr := range exprs {
			v, typ, err := b.expr(expr)
			if err != nil {
				return nil, err
			}
			row[t.addColumn(columns[i], typ)] = v
		}
		if err := t.insert(row); err != nil {
			return nil, err
		}
		count++
	}
	return &result{count: count, mutations: int(count) * len(columns)}, nil
}

func (t *table) insert(row map[string]*structpb.Value) error {
	if key, ok := t.keyOf(row); ok && t.hasKey(key) {
		return status.Errorf(codes.AlreadyExists, "Row [%s] in table %s already exists", key, t.name)
	}
	t.rows = append(t.rows, row)
	return nil
}

func (t *table) deleteRows(indexes []int) {
	drop := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		drop[i] = true
	}
	kept := t.rows[:0]
	for i, row := range t.rows {
		if !drop[i] {
			kept = append(kept, row)
		}
	}
	t.rows = kept
}

// filterRows returns the indexes of the rows of t matching where.
func filterRows(t *table, where string, b binder) ([]int, error) {
	where = strings.TrimSpace(where)

	type condition struct {
		column string
		value  *structpb.Value
	}
	var conds []condition
	if where != "" && !strings.EqualFold(where, "TRUE") {
		for _, c := range andRe.Split(where, -1) {
			col, expr, ok := strings.Cut(c, "=")
			if !ok {
				return nil, syntaxError(where)
			}
			v, _, err := b.expr(strings.TrimSpace(expr))
			if err != nil {
				return nil, err
			}
			name, ok := t.column(strings.Trim(strings.TrimSpace(col), "`"))
			if !ok {
				return nil, status.Errorf(codes.InvalidArgument, "Unrecognized name: %s", strings.TrimSpace(col))
			}
			conds = append(conds, condition{column: name, value: v})
		}
	}

	var matched []int
rows:
	for i, row := range t.rows {
		for _, c := range conds {
			if !proto.Equal(row[c.column], c.value) {
				continue rows
			}
		}
		matched = append(matched, i)
	}
	return matched, nil
}

// expr evaluates a literal or a parameter reference.
func (b binder) expr(s string) (*structpb.Value, *sppb.Type, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(s, "@"):
		name := s[1:]
		v, ok := b.params.GetFields()[name]
		if !ok {
			return nil, nil, status.Errorf(codes.InvalidArgument, "No parameter found for binding: %s", name)
		}
		typ := b.types[name]
		if typ == nil {
			typ = inferType(v)
		}
		return v, typ, nil
	case upper == "NULL":
		return structpb.NewNullValue(), nil, nil
	case upper == "TRUE" || upper == "FALSE":
		return structpb.NewBoolValue(upper == "TRUE"), &sppb.Type{Code: sppb.TypeCode_BOOL}, nil
	case intLiteralRe.MatchString(s):
		return structpb.NewStringValue(s), &sppb.Type{Code: sppb.TypeCode_INT64}, nil
	case numLiteralRe.MatchString(s):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, nil, status.Errorf(codes.InvalidArgument, "Invalid FLOAT64 literal: %s", s)
		}
		return structpb.NewNumberValue(f), &sppb.Type{Code: sppb.TypeCode_FLOAT64}, nil
	case len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]:
		unquoted := strings.ReplaceAll(s[1:len(s)-1], `\`+string(s[0]), string(s[0]))
		return structpb.NewStringValue(unquoted), &sppb.Type{Code: sppb.TypeCode_STRING}, nil
	default:
		return nil, nil, status.Errorf(codes.InvalidArgument, "Unrecognized name: %s", s)
	}
}

func inferType(v *structpb.Value) *sppb.Type {
	switch v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return &sppb.Type{Code: sppb.TypeCode_BOOL}
	case *structpb.Value_NumberValue:
		return &sppb.Type{Code: sppb.TypeCode_FLOAT64}
	case *structpb.Value_NullValue:
		return nil
	default:
		return &sppb.Type{Code: sppb.TypeCode_STRING}
	}
}
