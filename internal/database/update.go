// internal/database/update.go
package database

import (
	"strconv"
	"strings"
)

// setBuilder assembles a sparse UPDATE ... SET ... WHERE id = $n RETURNING statement.
type setBuilder struct {
	assignments []string
	args        []any
}

func newSetBuilder() *setBuilder {
	return &setBuilder{}
}

func (b *setBuilder) add(column string, value any) {
	b.args = append(b.args, value)
	b.assignments = append(b.assignments, column+" = $"+strconv.Itoa(len(b.args)))
}

func (b *setBuilder) build(table string, id any, returning string) (string, []any) {
	args := append(b.args, id)
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")
	sb.WriteString(strings.Join(b.assignments, ", "))
	sb.WriteString(" WHERE id = $")
	sb.WriteString(strconv.Itoa(len(args)))
	sb.WriteString(" RETURNING ")
	sb.WriteString(returning)
	return sb.String(), args
}
