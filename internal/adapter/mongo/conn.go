package mongo

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dbporter/dbporter/internal/adapter"
)

// sampleSize bounds how many documents are read to derive a
// collection's descriptor.
const sampleSize = 100

// Conn is an open MongoDB connection scoped to one database.
type Conn struct {
	client  *mongo.Client
	profile adapter.Profile
	uri     string
}

func (c *Conn) database() *mongo.Database {
	return c.client.Database(c.profile.Database)
}

func (c *Conn) Close() error {
	return c.client.Disconnect(context.Background())
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func (c *Conn) ListTables(ctx context.Context) ([]adapter.TableDescriptor, error) {
	names, err := c.database().ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	sort.Strings(names)

	tables := make([]adapter.TableDescriptor, 0, len(names))
	for _, name := range names {
		desc, err := c.DescribeTable(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, *desc)
	}
	return tables, nil
}

// DescribeTable samples documents and merges their field sets. Every
// derived column is nullable: absence is the norm in a schema-less
// store.
func (c *Conn) DescribeTable(ctx context.Context, table string) (*adapter.TableDescriptor, error) {
	coll := c.database().Collection(table)

	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("describing %s: %w", table, err)
	}

	cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(sampleSize))
	if err != nil {
		return nil, fmt.Errorf("sampling %s: %w", table, err)
	}
	defer cur.Close(ctx)

	types := make(map[string]adapter.ColumnType)
	var order []string
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		for _, elem := range doc {
			if _, seen := types[elem.Key]; !seen {
				types[elem.Key] = inferType(elem.Value)
				order = append(order, elem.Key)
			}
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	desc := &adapter.TableDescriptor{Name: table, RowCount: count}
	// _id leads; the rest keep first-seen order.
	sort.SliceStable(order, func(i, j int) bool {
		return order[i] == "_id" && order[j] != "_id"
	})
	for _, name := range order {
		desc.Columns = append(desc.Columns, adapter.Column{
			Name:     name,
			Type:     types[name],
			Nullable: true,
		})
	}
	if len(desc.Columns) > 0 && desc.Columns[0].Name == "_id" {
		desc.PrimaryKey = []string{"_id"}
	}
	return desc, nil
}

func inferType(v any) adapter.ColumnType {
	switch v.(type) {
	case int32, int64:
		return adapter.TypeInteger
	case float64:
		return adapter.TypeFloat
	case bool:
		return adapter.TypeBoolean
	case primitive.DateTime, time.Time:
		return adapter.TypeDatetime
	case primitive.Binary:
		return adapter.TypeBinary
	case string, primitive.ObjectID:
		return adapter.TypeString
	default:
		return adapter.TypeDocument
	}
}

func (c *Conn) CreateTable(ctx context.Context, desc *adapter.TableDescriptor) error {
	if err := c.database().CreateCollection(ctx, desc.Name); err != nil {
		return fmt.Errorf("creating collection %s: %w", desc.Name, err)
	}
	return nil
}

func (c *Conn) RowCount(ctx context.Context, table string) (int64, error) {
	count, err := c.database().Collection(table).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}

func (c *Conn) IsEmpty(ctx context.Context) (bool, error) {
	names, err := c.database().ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return false, fmt.Errorf("listing collections: %w", err)
	}
	return len(names) == 0, nil
}

func (c *Conn) OpenCursor(ctx context.Context, table string, batchSize int, startOffset int64) (adapter.Cursor, error) {
	desc, err := c.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(startOffset).
		SetBatchSize(int32(batchSize))
	cur, err := c.database().Collection(table).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	return &cursor{cur: cur, desc: desc, batchSize: batchSize, offset: startOffset}, nil
}

type cursor struct {
	cur       *mongo.Cursor
	desc      *adapter.TableDescriptor
	batchSize int
	offset    int64
	done      bool
}

func (c *cursor) Next(ctx context.Context) (*adapter.Batch, error) {
	if c.done {
		return nil, io.EOF
	}
	batch := &adapter.Batch{Offset: c.offset}
	for len(batch.Rows) < c.batchSize {
		if !c.cur.Next(ctx) {
			c.done = true
			if err := c.cur.Err(); err != nil {
				return nil, err
			}
			break
		}
		var doc bson.M
		if err := c.cur.Decode(&doc); err != nil {
			return nil, err
		}
		row := make([]any, len(c.desc.Columns))
		for i, col := range c.desc.Columns {
			row[i] = fromBSON(doc[col.Name])
		}
		batch.Rows = append(batch.Rows, row)
	}
	if len(batch.Rows) == 0 {
		return nil, io.EOF
	}
	c.offset += int64(len(batch.Rows))
	return batch, nil
}

func (c *cursor) Close() error {
	return c.cur.Close(context.Background())
}

// fromBSON maps driver types onto the semantic value set.
func fromBSON(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Binary:
		return t.Data
	case int32:
		return int64(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromBSON(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = fromBSON(e)
		}
		return out
	default:
		return v
	}
}

func (c *Conn) OpenSink(ctx context.Context, table string, mode adapter.WriteMode, desc *adapter.TableDescriptor) (adapter.Sink, error) {
	coll := c.database().Collection(table)
	switch mode {
	case adapter.ModeCreate:
		if err := c.CreateTable(ctx, &adapter.TableDescriptor{Name: table}); err != nil {
			return nil, err
		}
	case adapter.ModeTruncate:
		if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
			return nil, fmt.Errorf("emptying %s: %w", table, err)
		}
	}
	return &sink{coll: coll, desc: desc}, nil
}

type sink struct {
	coll *mongo.Collection
	desc *adapter.TableDescriptor
}

// WriteBatch inserts the batch with one ordered InsertMany. Absent
// fields are omitted from the document rather than stored as null.
func (s *sink) WriteBatch(ctx context.Context, batch *adapter.Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	docs := make([]any, len(batch.Rows))
	for r, row := range batch.Rows {
		doc := bson.D{}
		for i, col := range s.desc.Columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			doc = append(doc, bson.E{Key: col.Name, Value: row[i]})
		}
		docs[r] = doc
	}
	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("batch at row %d: %w", batch.Offset, err)
	}
	return nil
}

func (s *sink) Close() error { return nil }
