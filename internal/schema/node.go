package schema

// NodeRef identifies a documentable node. An empty Column names the table
// itself.
type NodeRef struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
}

// IsTable reports whether the ref names a table rather than a column.
func (n NodeRef) IsTable() bool {
	return n.Column == ""
}

// Path is the qualified node path used in fingerprints and reports.
func (n NodeRef) Path() string {
	if n.IsTable() {
		return n.Table
	}

	return n.Table + "." + n.Column
}

// TableRef names a table node.
func TableRef(table string) NodeRef {
	return NodeRef{Table: table}
}

// ColumnRef names a column node.
func ColumnRef(table, column string) NodeRef {
	return NodeRef{Table: table, Column: column}
}

// Nodes returns every documentable node in canonical order: tables in
// schema order, each table followed by its columns in ordinal order. Final
// result sets are presented in this order regardless of completion order.
func Nodes(d *DataSource) []NodeRef {
	var refs []NodeRef

	for _, t := range d.Tables {
		refs = append(refs, TableRef(t.Name))
		for _, c := range t.Columns {
			refs = append(refs, ColumnRef(t.Name, c.Name))
		}
	}

	return refs
}

// SetDescription writes a generated description into the node's slot.
// Unknown refs are ignored; the engine only produces refs from Nodes.
func SetDescription(d *DataSource, ref NodeRef, text string) {
	t := d.Table(ref.Table)
	if t == nil {
		return
	}

	if ref.IsTable() {
		t.Description = text
		return
	}

	if c := t.Column(ref.Column); c != nil {
		c.Description = text
	}
}
