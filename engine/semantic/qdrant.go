package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/datasage-io/datasage/engine/domain"
)

const scrollPageSize = 256

// Qdrant implements Store on a Qdrant collection over gRPC. Each chunk
// is one point; document attributes ride along in every point payload,
// so catalog operations reconstruct documents by scrolling. Qdrant has
// no multi-call transactions: PutChunks compensates a failed upsert
// with a delete of the document's points.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
	log         *slog.Logger
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string, dims int, log *slog.Logger) (*Qdrant, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
		log:         log,
	}, nil
}

// Ping implements Store.
func (q *Qdrant) Ping(ctx context.Context) error {
	if _, err := q.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("semantic: ping: %w", err)
	}
	return nil
}

// Close implements Store.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist. Safe to
// run on every startup.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	return nil
}

// PutChunks implements Store. Existing points for the document are
// cleared first so a smaller re-ingest leaves no stale ordinals behind.
func (q *Qdrant) PutChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != q.dims {
			return domain.NewValidationError("embedding", c.ID, domain.ErrDimensionMismatch)
		}
	}

	docMeta, err := json.Marshal(orEmpty(doc.Metadata))
	if err != nil {
		return fmt.Errorf("semantic: marshal document metadata: %w", err)
	}

	points := make([]*pb.PointStruct, len(chunks))
	for i, c := range chunks {
		chunkMeta, err := json.Marshal(orEmpty(c.Metadata))
		if err != nil {
			return fmt.Errorf("semantic: marshal chunk metadata: %w", err)
		}
		payload := map[string]*pb.Value{
			"owner_id":    strValue(doc.Owner),
			"document_id": strValue(doc.ID),
			"filename":    strValue(doc.Filename),
			"ordinal":     intValue(int64(c.Ordinal)),
			"content":     strValue(c.Text),
			"chunk_meta":  strValue(string(chunkMeta)),
			"doc_meta":    strValue(string(docMeta)),
			"byte_size":   intValue(doc.ByteSize),
			"uploaded_at": strValue(doc.UploadedAt.Format(time.RFC3339Nano)),
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: c.Embedding},
				},
			},
			Payload: payload,
		}
	}

	if err := q.deleteByFilter(ctx, ownerFilter(doc.Owner, doc.ID)); err != nil {
		return fmt.Errorf("semantic: clear points for %s: %w", doc.ID, err)
	}

	wait := true
	_, err = q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		if cleanupErr := q.deleteByFilter(ctx, ownerFilter(doc.Owner, doc.ID)); cleanupErr != nil {
			q.log.Error("semantic: compensating delete failed",
				"document_id", doc.ID, "error", cleanupErr)
		}
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteDocument implements Store.
func (q *Qdrant) DeleteDocument(ctx context.Context, owner, documentID string) error {
	n, err := q.countPoints(ctx, ownerFilter(owner, documentID))
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrDocumentNotFound
	}
	return q.deleteByFilter(ctx, ownerFilter(owner, documentID))
}

// ListDocuments implements Store.
func (q *Qdrant) ListDocuments(ctx context.Context, owner string) ([]domain.Document, error) {
	byID := make(map[string]*domain.Document)

	var offset *pb.PointId
	for {
		limit := uint32(scrollPageSize)
		resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: q.collection,
			Filter:         ownerFilter(owner),
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    enablePayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("semantic: scroll: %w", err)
		}
		for _, pt := range resp.GetResult() {
			doc := docFromPayload(pt.GetPayload())
			if existing, ok := byID[doc.ID]; ok {
				existing.ChunkCount++
				continue
			}
			doc.ChunkCount = 1
			byID[doc.ID] = &doc
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || len(resp.GetResult()) == 0 {
			break
		}
	}

	docs := make([]domain.Document, 0, len(byID))
	for _, doc := range byID {
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// GetDocument implements Store.
func (q *Qdrant) GetDocument(ctx context.Context, owner, documentID string) (domain.Document, error) {
	limit := uint32(1)
	resp, err := q.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: q.collection,
		Filter:         ownerFilter(owner, documentID),
		Limit:          &limit,
		WithPayload:    enablePayload(),
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("semantic: scroll: %w", err)
	}
	if len(resp.GetResult()) == 0 {
		return domain.Document{}, domain.ErrDocumentNotFound
	}

	doc := docFromPayload(resp.GetResult()[0].GetPayload())
	n, err := q.countPoints(ctx, ownerFilter(owner, documentID))
	if err != nil {
		return domain.Document{}, err
	}
	doc.ChunkCount = int(n)
	return doc, nil
}

// Search implements Store. The score threshold is pushed down to
// Qdrant; tie ordering is re-established client side since Qdrant makes
// no promise about equal-score ordering.
func (q *Qdrant) Search(ctx context.Context, owner string, vector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(opts.TopK),
		Filter:         ownerFilter(owner, opts.DocumentIDs...),
		WithPayload:    enablePayload(),
	}
	if opts.MinScore > 0 {
		threshold := opts.MinScore
		req.ScoreThreshold = &threshold
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := r.GetPayload()
		chunk := domain.Chunk{
			ID:         r.GetId().GetUuid(),
			DocumentID: payloadString(payload, "document_id"),
			Ordinal:    int(payloadInt(payload, "ordinal")),
			Text:       payloadString(payload, "content"),
		}
		if raw := payloadString(payload, "chunk_meta"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &chunk.Metadata)
		}
		hits[i] = Hit{
			Chunk:    chunk,
			Filename: payloadString(payload, "filename"),
			Score:    r.GetScore(),
		}
	}
	sortHits(hits)
	return hits, nil
}

func (q *Qdrant) deleteByFilter(ctx context.Context, filter *pb.Filter) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	return err
}

func (q *Qdrant) countPoints(ctx context.Context, filter *pb.Filter) (uint64, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return resp.GetResult().GetCount(), nil
}

// ownerFilter matches the owner's points, optionally narrowed to a set
// of documents.
func ownerFilter(owner string, documentIDs ...string) *pb.Filter {
	must := []*pb.Condition{fieldMatch("owner_id", owner)}
	switch len(documentIDs) {
	case 0:
	case 1:
		must = append(must, fieldMatch("document_id", documentIDs[0]))
	default:
		must = append(must, fieldMatchAny("document_id", documentIDs))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldMatchAny(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{
						Keywords: &pb.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

func enablePayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{
		SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
	}
}

func strValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func payloadString(payload map[string]*pb.Value, key string) string {
	return payload[key].GetStringValue()
}

func payloadInt(payload map[string]*pb.Value, key string) int64 {
	return payload[key].GetIntegerValue()
}

func docFromPayload(payload map[string]*pb.Value) domain.Document {
	doc := domain.Document{
		ID:       payloadString(payload, "document_id"),
		Owner:    payloadString(payload, "owner_id"),
		Filename: payloadString(payload, "filename"),
		ByteSize: payloadInt(payload, "byte_size"),
	}
	if raw := payloadString(payload, "uploaded_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			doc.UploadedAt = ts
		}
	}
	if raw := payloadString(payload, "doc_meta"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &doc.Metadata)
	}
	return doc
}
