package types

// ResultSet holds the rows returned by a read-only query, positionally
// aligned with Columns.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}
