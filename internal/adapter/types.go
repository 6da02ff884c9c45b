package adapter

// ColumnType is the semantic type used for format serialization.
// Engines map their native types onto this set; no further coercion
// happens during export/import.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInteger  ColumnType = "integer"
	TypeFloat    ColumnType = "float"
	TypeBoolean  ColumnType = "boolean"
	TypeDatetime ColumnType = "datetime"
	TypeBinary   ColumnType = "binary"
	TypeDocument ColumnType = "document" // nested JSON/BSON value
)

// Column describes one column in descriptor order.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	NativeType string     `json:"native_type,omitempty"`
	Nullable   bool       `json:"nullable"`
}

// Index describes an index, carried so imports can round-trip
// engine-specific metadata.
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// TableDescriptor describes a table (or collection, or search index)
// with enough metadata for an accurate round-trip import.
type TableDescriptor struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	Indexes    []Index  `json:"indexes,omitempty"`
	RowCount   int64    `json:"row_count,omitempty"`
}

// ColumnNames returns the column names in descriptor order.
func (t *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column, or nil.
func (t *TableDescriptor) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}
