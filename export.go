package engram

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/engramdb/engram/internal/store"
	"github.com/engramdb/engram/internal/vecmath"
)

// exportBatchRows is how many records go into one Arrow record batch.
const exportBatchRows = 1024

// exportSchema is the Arrow schema a collection exports: stored vectors as
// fixed-size float32 lists, metadata as the stored JSON document, timestamps
// at millisecond precision.
func exportSchema(dims int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dims), arrow.PrimitiveTypes.Float32)},
		{Name: "metadata", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "created_at", Type: arrow.FixedWidthTypes.Timestamp_ms},
	}, nil)
}

// Export writes every record to w as an Arrow IPC stream, in insertion
// order. Importing the stream into an empty collection of the same shape
// reproduces ids, vectors and metadata byte for byte.
func (c *Collection) Export(ctx context.Context, w io.Writer) error {
	if err := c.eng.checkOpen(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.eng.st.LoadVectors(ctx, c.name)
	if err != nil {
		return err
	}

	mem := memory.NewGoAllocator()
	schema := exportSchema(c.dims)
	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	bld := array.NewRecordBuilder(mem, schema)
	defer bld.Release()

	ids := bld.Field(0).(*array.StringBuilder)
	vecs := bld.Field(1).(*array.FixedSizeListBuilder)
	vals := vecs.ValueBuilder().(*array.Float32Builder)
	metas := bld.Field(2).(*array.StringBuilder)
	times := bld.Field(3).(*array.TimestampBuilder)

	flush := func() error {
		if ids.Len() == 0 {
			return nil
		}
		rec := bld.NewRecord()
		err := wr.Write(rec)
		rec.Release()
		return err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			wr.Close()
			return err
		}
		ids.Append(row.ID)
		vecs.Append(true)
		vals.AppendValues(row.Vector, nil)
		if len(row.Metadata) == 0 {
			metas.AppendNull()
		} else {
			metas.Append(string(row.Metadata))
		}
		times.Append(arrow.Timestamp(row.CreatedAt.UnixMilli()))

		if ids.Len() >= exportBatchRows {
			if err := flush(); err != nil {
				wr.Close()
				return fmt.Errorf("engram: export %q: %w", c.name, err)
			}
		}
	}
	if err := flush(); err != nil {
		wr.Close()
		return fmt.Errorf("engram: export %q: %w", c.name, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("engram: export %q: %w", c.name, err)
	}
	return nil
}

// Import reads an Arrow IPC stream produced by Export into this collection.
// The collection must be empty and its dimensionality must match the
// stream's. Vectors and metadata documents are stored exactly as they
// appear in the stream; each record gets its own change event.
func (c *Collection) Import(ctx context.Context, r io.Reader) error {
	if err := c.eng.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.eng.st.CountVectors(ctx, c.name)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("engram: import needs an empty collection, %q holds %d records", c.name, count)
	}

	mem := memory.NewGoAllocator()
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("engram: import %q: %w", c.name, err)
	}
	defer rd.Release()

	want := exportSchema(c.dims)
	if !rd.Schema().Equal(want) {
		return fmt.Errorf("engram: import %q: stream schema %s does not match collection schema %s", c.name, rd.Schema(), want)
	}

	for rd.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.importBatch(ctx, rd.Record()); err != nil {
			return fmt.Errorf("engram: import %q: %w", c.name, err)
		}
	}
	if err := rd.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("engram: import %q: %w", c.name, err)
	}
	return nil
}

// importBatch commits one Arrow record batch in a single transaction and
// applies it to the index. The writer lock is held.
func (c *Collection) importBatch(ctx context.Context, rec arrow.Record) error {
	ids := rec.Column(0).(*array.String)
	lists := rec.Column(1).(*array.FixedSizeList)
	vals := lists.ListValues().(*array.Float32)
	metas := rec.Column(2).(*array.String)
	times := rec.Column(3).(*array.Timestamp)

	n := int(rec.NumRows())
	rows := make([]store.VectorRow, 0, n)
	changes := make([]store.ChangeRecord, 0, n)
	epoch := c.epoch.Load()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		base := (lists.Data().Offset() + i) * c.dims
		vec := make([]float32, c.dims)
		copy(vec, vals.Values()[base:base+c.dims])

		var metaJSON []byte
		if !metas.IsNull(i) {
			metaJSON = []byte(metas.Value(i))
		}
		epoch++
		rows = append(rows, store.VectorRow{
			Collection: c.name,
			ID:         ids.Value(i),
			Vector:     vec,
			Norm:       vecmath.Norm(vec),
			Metadata:   metaJSON,
			CreatedAt:  time.UnixMilli(int64(times.Value(i))).UTC(),
		})
		changes = append(changes, store.ChangeRecord{
			Op:         OpInsert,
			Collection: c.name,
			RecordID:   ids.Value(i),
			Epoch:      epoch,
			At:         now,
		})
	}

	if err := c.eng.st.BatchUpsertVectors(ctx, rows, changes); err != nil {
		return err
	}
	for i, row := range rows {
		meta, err := decodeMetadata(c.schema, row.Metadata)
		if err != nil {
			return fmt.Errorf("decode metadata for %q: %w", row.ID, err)
		}
		c.indexInsert(ctx, Record{ID: row.ID, Vector: row.Vector, Metadata: meta, CreatedAt: row.CreatedAt})
		c.finish(changes[i])
	}
	return nil
}
