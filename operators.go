package pipeline

import (
	"fmt"
	"strings"
)

// OperatorType is the closed set of node types.
type OperatorType string

const (
	OpSource   OperatorType = "source"
	OpSink     OperatorType = "sink"
	OpFilter   OperatorType = "filter"
	OpSelect   OperatorType = "select"
	OpDistinct OperatorType = "distinct"
	OpSample   OperatorType = "sample"
	OpLimit    OperatorType = "limit"
	OpGroup    OperatorType = "group"
	OpSort     OperatorType = "sort"
	OpCalc     OperatorType = "calculate"
	OpRename   OperatorType = "rename"
	OpPivot    OperatorType = "pivot"
	OpJoin     OperatorType = "join"
	OpUnion    OperatorType = "union"
	OpClean    OperatorType = "clean"
	OpFillNA   OperatorType = "fillna"
	OpTypecast OperatorType = "typecast"
	OpSplit    OperatorType = "split"
	OpTextOps  OperatorType = "text_ops"
	OpMathOps  OperatorType = "math_ops"
	OpWindow   OperatorType = "window"
	OpSQL      OperatorType = "sql"
)

// Category groups operators in the palette.
type Category string

const (
	CategoryIO         Category = "io"
	CategoryFilter     Category = "filter"
	CategoryTransform  Category = "transform"
	CategoryRelational Category = "relational"
	CategoryCleanup    Category = "cleanup"
	CategoryTextMath   Category = "text_math"
	CategoryAdvanced   Category = "advanced"
)

// FieldKind tells the configuration editor how to render and populate a field.
// Column and Columns fields are filled from the Resolver's output.
type FieldKind string

const (
	KindString     FieldKind = "string"
	KindText       FieldKind = "text"
	KindNumber     FieldKind = "number"
	KindEnum       FieldKind = "enum"
	KindColumn     FieldKind = "column"
	KindColumns    FieldKind = "columns"
	KindConditions FieldKind = "conditions"
	KindTable      FieldKind = "table"
)

// Field is one configuration key of an operator.
type Field struct {
	Key      string    `json:"key"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required,omitempty"`
	Options  []string  `json:"options,omitempty"`
	Default  any       `json:"default,omitempty"`
}

// Operator describes one operator type.
type Operator struct {
	Type     OperatorType `json:"type"`
	Category Category     `json:"category"`
	Label    string       `json:"label"`
	// Inputs is the number of upstream connections the operator reads.
	Inputs int     `json:"inputs"`
	Fields []Field `json:"fields"`

	summary func(Data) string
}

// Field returns the field with the given key.
func (o Operator) Field(key string) (Field, bool) {
	for _, f := range o.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Defaults returns a fresh data mapping holding every field default.
func (o Operator) Defaults() Data {
	d := Data{}
	for _, f := range o.Fields {
		if f.Default != nil {
			d[f.Key] = f.Default
		}
	}
	return d
}

// Summarize renders the one-line description shown on the node.
func (o Operator) Summarize(d Data) string {
	if o.summary == nil {
		return o.Label
	}
	return o.summary(d)
}

// Condition operators accepted by the filter operator.
var ConditionOperators = []string{
	"=", "!=", ">", ">=", "<", "<=",
	"IN", "NOT IN",
	"CONTAINS", "NOT CONTAINS", "STARTS_WITH", "ENDS_WITH", "LIKE",
	"IS NULL", "IS NOT NULL",
}

var (
	aggFuncs    = []string{"COUNT", "SUM", "AVG", "MIN", "MAX", "COUNT_DISTINCT"}
	windowFuncs = []string{"ROW_NUMBER", "RANK", "DENSE_RANK", "LEAD", "LAG"}
	castTypes   = []string{"string", "integer", "float", "boolean", "date", "timestamp"}
	textFuncs   = []string{"UPPER", "LOWER", "TRIM", "LENGTH", "REVERSE", "CAPITALIZE"}
	mathFuncs   = []string{"ABS", "ROUND", "CEIL", "FLOOR", "SQRT", "LOG"}
	calcOps     = []string{"+", "-", "*", "/", "%"}
)

var outputColumnsField = Field{Key: KeyOutputColumns, Kind: KindColumns}

var operators = []Operator{
	{
		Type: OpSource, Category: CategoryIO, Label: "Source", Inputs: 0,
		Fields: []Field{{Key: KeyTable, Kind: KindTable, Required: true}},
		summary: func(d Data) string {
			if t := d.String(KeyTable); t != "" {
				return "table " + t
			}
			return "no table selected"
		},
	},
	{
		Type: OpSink, Category: CategoryIO, Label: "Sink", Inputs: 1,
		Fields: []Field{
			{Key: KeyTable, Kind: KindString, Required: true},
			{Key: "mode", Kind: KindEnum, Options: []string{"append", "overwrite"}, Default: "append"},
		},
		summary: func(d Data) string {
			t := d.String(KeyTable)
			if t == "" {
				return "no target table"
			}
			return fmt.Sprintf("%s into %s", orDefault(d.String("mode"), "append"), t)
		},
	},
	{
		Type: OpFilter, Category: CategoryFilter, Label: "Filter", Inputs: 1,
		Fields: []Field{{Key: "conditions", Kind: KindConditions, Required: true}},
		summary: summarizeConditions,
	},
	{
		Type: OpSelect, Category: CategoryFilter, Label: "Select", Inputs: 1,
		Fields: []Field{{Key: "columns", Kind: KindColumns, Required: true}},
		summary: func(d Data) string { return listOr(d.Strings("columns"), "no columns") },
	},
	{
		Type: OpDistinct, Category: CategoryFilter, Label: "Distinct", Inputs: 1,
		Fields: []Field{{Key: "columns", Kind: KindColumns}},
		summary: func(d Data) string { return "distinct on " + listOr(d.Strings("columns"), "all columns") },
	},
	{
		Type: OpSample, Category: CategoryFilter, Label: "Sample", Inputs: 1,
		Fields: []Field{
			{Key: "method", Kind: KindEnum, Options: []string{"percent", "rows"}, Default: "percent"},
			{Key: "size", Kind: KindNumber, Required: true},
		},
		summary: func(d Data) string {
			if d.String("method") == "rows" {
				return orDefault(d.String("size"), "?") + " random rows"
			}
			return orDefault(d.String("size"), "?") + "% of rows"
		},
	},
	{
		Type: OpLimit, Category: CategoryFilter, Label: "Limit", Inputs: 1,
		Fields: []Field{{Key: "count", Kind: KindNumber, Required: true}},
		summary: func(d Data) string { return "first " + orDefault(d.String("count"), "?") + " rows" },
	},
	{
		Type: OpGroup, Category: CategoryTransform, Label: "Group", Inputs: 1,
		Fields: []Field{
			{Key: "groupBy", Kind: KindColumns, Required: true},
			{Key: "aggFunc", Kind: KindEnum, Options: aggFuncs, Default: "COUNT"},
			{Key: "aggColumn", Kind: KindColumn},
		},
		summary: func(d Data) string {
			agg := fmt.Sprintf("%s(%s)", orDefault(d.String("aggFunc"), "COUNT"), orDefault(d.String("aggColumn"), "*"))
			return agg + " by " + listOr(d.Strings("groupBy"), "?")
		},
	},
	{
		Type: OpSort, Category: CategoryTransform, Label: "Sort", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "direction", Kind: KindEnum, Options: []string{"ASC", "DESC"}, Default: "ASC"},
		},
		summary: func(d Data) string {
			return orDefault(d.String("field"), "?") + " " + orDefault(d.String("direction"), "ASC")
		},
	},
	{
		Type: OpCalc, Category: CategoryTransform, Label: "Calculate", Inputs: 1,
		Fields: []Field{
			{Key: "newColumn", Kind: KindString, Required: true},
			{Key: "fieldA", Kind: KindColumn, Required: true},
			{Key: "operator", Kind: KindEnum, Options: calcOps, Required: true, Default: "+"},
			{Key: "value", Kind: KindString, Required: true},
		},
		summary: func(d Data) string {
			return fmt.Sprintf("%s = %s %s %s", orDefault(d.String("newColumn"), "?"),
				orDefault(d.String("fieldA"), "?"), d.String("operator"), orDefault(d.String("value"), "?"))
		},
	},
	{
		Type: OpRename, Category: CategoryTransform, Label: "Rename", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "newName", Kind: KindString, Required: true},
		},
		summary: func(d Data) string {
			return orDefault(d.String("field"), "?") + " -> " + orDefault(d.String("newName"), "?")
		},
	},
	{
		Type: OpPivot, Category: CategoryTransform, Label: "Pivot", Inputs: 1,
		Fields: []Field{
			{Key: "index", Kind: KindColumn, Required: true},
			{Key: "pivotColumn", Kind: KindColumn, Required: true},
			{Key: "valueColumn", Kind: KindColumn, Required: true},
			{Key: "aggFunc", Kind: KindEnum, Options: aggFuncs, Default: "SUM"},
		},
		summary: func(d Data) string {
			return fmt.Sprintf("%s(%s) by %s across %s", orDefault(d.String("aggFunc"), "SUM"),
				orDefault(d.String("valueColumn"), "?"), orDefault(d.String("index"), "?"), orDefault(d.String("pivotColumn"), "?"))
		},
	},
	{
		Type: OpJoin, Category: CategoryRelational, Label: "Join", Inputs: 2,
		Fields: []Field{
			{Key: "joinType", Kind: KindEnum, Options: []string{"inner", "left", "right", "full"}, Default: "inner"},
			{Key: "leftKey", Kind: KindColumn, Required: true},
			{Key: "rightKey", Kind: KindColumn, Required: true},
			{Key: "leftColumns", Kind: KindColumns},
			{Key: "rightColumns", Kind: KindColumns},
		},
		summary: func(d Data) string {
			return fmt.Sprintf("%s on %s = %s", strings.ToUpper(orDefault(d.String("joinType"), "inner")),
				orDefault(d.String("leftKey"), "?"), orDefault(d.String("rightKey"), "?"))
		},
	},
	{
		Type: OpUnion, Category: CategoryRelational, Label: "Union", Inputs: 2,
		Fields: []Field{{Key: "mode", Kind: KindEnum, Options: []string{"ALL", "DISTINCT"}, Default: "ALL"}},
		summary: func(d Data) string { return "UNION " + orDefault(d.String("mode"), "ALL") },
	},
	{
		Type: OpClean, Category: CategoryCleanup, Label: "Clean", Inputs: 1,
		Fields: []Field{
			{Key: "mode", Kind: KindEnum, Options: []string{"drop_na", "drop_duplicates"}, Required: true, Default: "drop_na"},
			{Key: "columns", Kind: KindColumns},
		},
		summary: func(d Data) string {
			mode := strings.ReplaceAll(orDefault(d.String("mode"), "drop_na"), "_", " ")
			if cols := d.Strings("columns"); len(cols) > 0 {
				return mode + " in " + listOr(cols, "")
			}
			return mode
		},
	},
	{
		Type: OpFillNA, Category: CategoryCleanup, Label: "Fill NA", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "value", Kind: KindString, Required: true},
		},
		summary: func(d Data) string {
			return fmt.Sprintf("%s nulls -> %q", orDefault(d.String("field"), "?"), d.String("value"))
		},
	},
	{
		Type: OpTypecast, Category: CategoryCleanup, Label: "Typecast", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "targetType", Kind: KindEnum, Options: castTypes, Required: true},
		},
		summary: func(d Data) string {
			return orDefault(d.String("field"), "?") + " as " + orDefault(d.String("targetType"), "?")
		},
	},
	{
		Type: OpSplit, Category: CategoryCleanup, Label: "Split", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "delimiter", Kind: KindString, Required: true, Default: ","},
			{Key: "newColumns", Kind: KindColumns},
		},
		summary: func(d Data) string {
			return fmt.Sprintf("split %s on %q", orDefault(d.String("field"), "?"), d.String("delimiter"))
		},
	},
	{
		Type: OpTextOps, Category: CategoryTextMath, Label: "Text", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "function", Kind: KindEnum, Options: textFuncs, Required: true, Default: "UPPER"},
			{Key: "newColumn", Kind: KindString},
		},
		summary: summarizeFunc,
	},
	{
		Type: OpMathOps, Category: CategoryTextMath, Label: "Math", Inputs: 1,
		Fields: []Field{
			{Key: "field", Kind: KindColumn, Required: true},
			{Key: "function", Kind: KindEnum, Options: mathFuncs, Required: true, Default: "ROUND"},
			{Key: "newColumn", Kind: KindString},
		},
		summary: summarizeFunc,
	},
	{
		Type: OpWindow, Category: CategoryAdvanced, Label: "Window", Inputs: 1,
		Fields: []Field{
			{Key: "function", Kind: KindEnum, Options: windowFuncs, Required: true, Default: "ROW_NUMBER"},
			{Key: "partitionBy", Kind: KindColumns},
			{Key: "orderBy", Kind: KindColumn, Required: true},
			{Key: "offset", Kind: KindNumber},
			{Key: "newColumn", Kind: KindString},
		},
		summary: func(d Data) string {
			s := fmt.Sprintf("%s() over %s", orDefault(d.String("function"), "ROW_NUMBER"), orDefault(d.String("orderBy"), "?"))
			if p := d.Strings("partitionBy"); len(p) > 0 {
				s += " per " + listOr(p, "")
			}
			return s
		},
	},
	{
		Type: OpSQL, Category: CategoryAdvanced, Label: "SQL", Inputs: 1,
		Fields: []Field{{Key: "query", Kind: KindText, Required: true}},
		summary: func(d Data) string {
			q := strings.Join(strings.Fields(d.String("query")), " ")
			if q == "" {
				return "empty query"
			}
			if r := []rune(q); len(r) > 40 {
				return string(r[:37]) + "..."
			}
			return q
		},
	},
}

var operatorIndex = func() map[OperatorType]int {
	idx := make(map[OperatorType]int, len(operators))
	for i := range operators {
		op := &operators[i]
		if op.Type != OpSink && op.Type != OpJoin {
			op.Fields = append(op.Fields, outputColumnsField)
		}
		idx[op.Type] = i
	}
	return idx
}()

// Lookup returns the operator description of t.
func Lookup(t OperatorType) (Operator, bool) {
	i, ok := operatorIndex[t]
	if !ok {
		return Operator{}, false
	}
	return operators[i].clone(), true
}

// Operators returns every operator in palette order.
func Operators() []Operator {
	out := make([]Operator, len(operators))
	for i, op := range operators {
		out[i] = op.clone()
	}
	return out
}

// clone copies the field list so callers cannot edit the registry.
func (o Operator) clone() Operator {
	fields := make([]Field, len(o.Fields))
	for i, f := range o.Fields {
		if f.Options != nil {
			f.Options = append([]string(nil), f.Options...)
		}
		fields[i] = f
	}
	o.Fields = fields
	return o
}

// Inputs returns how many upstream connections t reads; 0 for unknown types.
func Inputs(t OperatorType) int {
	op, _ := Lookup(t)
	return op.Inputs
}

// Summary returns the display line of n.
func Summary(n Node) string {
	op, ok := Lookup(n.Type)
	if !ok {
		return string(n.Type)
	}
	return op.Summarize(n.Data)
}

// Issue is a configuration problem reported to the editor.
type Issue struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Check reports missing required keys and invalid enum values of n.
func Check(n Node) []Issue {
	op, ok := Lookup(n.Type)
	if !ok {
		return []Issue{{Key: "type", Message: fmt.Sprintf("unknown operator %q", n.Type)}}
	}
	var issues []Issue
	for _, f := range op.Fields {
		if !n.Data.Has(f.Key) {
			if f.Required {
				issues = append(issues, Issue{Key: f.Key, Message: "required"})
			}
			continue
		}
		switch f.Kind {
		case KindEnum:
			if v := n.Data.String(f.Key); !contains(f.Options, v) {
				issues = append(issues, Issue{Key: f.Key, Message: fmt.Sprintf("%q is not one of %s", v, strings.Join(f.Options, ", "))})
			}
		case KindConditions:
			issues = append(issues, checkConditions(f.Key, n.Data.Maps(f.Key))...)
		}
	}
	return issues
}

func checkConditions(key string, conds []Data) []Issue {
	if len(conds) == 0 {
		return []Issue{{Key: key, Message: "required"}}
	}
	var issues []Issue
	for i, c := range conds {
		at := fmt.Sprintf("%s[%d]", key, i)
		if c.String("field") == "" {
			issues = append(issues, Issue{Key: at, Message: "field is required"})
		}
		op := c.String("operator")
		switch {
		case !contains(ConditionOperators, op):
			issues = append(issues, Issue{Key: at, Message: fmt.Sprintf("unknown operator %q", op)})
		case !nullCheck(op) && !c.Has("value"):
			issues = append(issues, Issue{Key: at, Message: "value is required"})
		}
		if i > 0 {
			if j := strings.ToUpper(c.String("join")); j != "" && j != "AND" && j != "OR" {
				issues = append(issues, Issue{Key: at, Message: fmt.Sprintf("join must be AND or OR, got %q", j)})
			}
		}
	}
	return issues
}

// summarizeConditions ignores the join of the first condition.
func summarizeConditions(d Data) string {
	conds := d.Maps("conditions")
	if len(conds) == 0 {
		return "no conditions"
	}
	var b strings.Builder
	for i, c := range conds {
		if i > 0 {
			b.WriteString(" " + orDefault(strings.ToUpper(c.String("join")), "AND") + " ")
		}
		op := c.String("operator")
		b.WriteString(c.String("field") + " " + op)
		if !nullCheck(op) {
			b.WriteString(" " + conditionValue(c["value"]))
		}
	}
	return b.String()
}

func conditionValue(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprint(e)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case []string:
		return "(" + strings.Join(t, ", ") + ")"
	case nil:
		return "?"
	}
	return fmt.Sprint(v)
}

func summarizeFunc(d Data) string {
	s := fmt.Sprintf("%s(%s)", orDefault(d.String("function"), "?"), orDefault(d.String("field"), "?"))
	if nc := d.String("newColumn"); nc != "" {
		s += " as " + nc
	}
	return s
}

func nullCheck(op string) bool {
	return op == "IS NULL" || op == "IS NOT NULL"
}

func listOr(items []string, empty string) string {
	switch {
	case len(items) == 0:
		return empty
	case len(items) > 3:
		return fmt.Sprintf("%s +%d", strings.Join(items[:3], ", "), len(items)-3)
	}
	return strings.Join(items, ", ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
