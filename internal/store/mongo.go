package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const documentsCollection = "documents"

// indexedSortFields are the fields EnsureIndexes covers. Sorting on anything
// else works but is reported back as a warning.
var indexedSortFields = map[string]bool{
	FieldID:          true,
	FieldType:        true,
	FieldUpdatedTime: true,
	FieldParentID:    true,
}

// MongoStore keeps every document in one collection keyed by _id.
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(documentsCollection)}
}

// OpenMongo connects and pings, disconnecting again when the ping fails.
func OpenMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes is idempotent; it runs at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: FieldType, Value: 1}, {Key: FieldUpdatedTime, Value: -1}}, Options: options.Index().SetName("idx_documents_type_updated")},
		{Keys: bson.D{{Key: FieldUpdatedTime, Value: -1}}, Options: options.Index().SetName("idx_documents_updated")},
		{Keys: bson.D{{Key: FieldMemberOf, Value: 1}}, Options: options.Index().SetName("idx_documents_member_of")},
		{Keys: bson.D{{Key: FieldParentID, Value: 1}}, Options: options.Index().SetName("idx_documents_parent")},
		{Keys: bson.D{{Key: FieldType, Value: 1}, {Key: FieldLanguage, Value: 1}}, Options: options.Index().SetName("idx_documents_language")},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil && !isIndexOptionsConflict(err) {
		return fmt.Errorf("ensure document indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (Doc, error) {
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.M{FieldID: id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return fromBSON(raw), nil
}

func (s *MongoStore) GetMany(ctx context.Context, ids []string) ([]Doc, error) {
	if len(ids) == 0 {
		return []Doc{}, nil
	}
	return s.find(ctx, bson.M{FieldID: bson.M{"$in": ids}}, options.Find())
}

func (s *MongoStore) Find(ctx context.Context, sel Selector) ([]Doc, []string, error) {
	opts := options.Find().SetSort(mongoSort(sel.Sort))
	if sel.Limit > 0 {
		opts.SetLimit(int64(sel.Limit))
	}
	items, err := s.find(ctx, mongoFilter(sel), opts)
	if err != nil {
		return nil, nil, err
	}
	var warnings []string
	for _, field := range sel.Sort {
		if !indexedSortFields[field.Field] {
			warnings = append(warnings, fmt.Sprintf("no index covers sort field %q", field.Field))
		}
	}
	return items, warnings, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Doc, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	defer cur.Close(ctx)

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	items := make([]Doc, 0, len(raw))
	for _, item := range raw {
		items = append(items, fromBSON(item))
	}
	return items, nil
}

func mongoFilter(sel Selector) bson.M {
	var and []bson.M
	if len(sel.IDs) > 0 {
		and = append(and, bson.M{FieldID: bson.M{"$in": sel.IDs}})
	}
	if len(sel.Types) > 0 {
		types := docTypeStrings(sel.Types)
		and = append(and, bson.M{"$or": []bson.M{
			{FieldType: bson.M{"$in": types}},
			{FieldType: string(DocTypeContent), FieldParentType: bson.M{"$in": types}},
		}})
	}
	if sel.ContentOnly {
		and = append(and, bson.M{FieldType: string(DocTypeContent)})
	}
	if len(sel.Languages) > 0 {
		and = append(and, bson.M{FieldType: string(DocTypeContent), FieldLanguage: bson.M{"$in": sel.Languages}})
	}
	if sel.ParentID != "" {
		and = append(and, bson.M{FieldParentID: sel.ParentID})
	}
	if sel.From != nil || sel.To != nil {
		window := bson.M{}
		if sel.From != nil {
			window["$gte"] = *sel.From
		}
		if sel.To != nil {
			window["$lte"] = *sel.To
		}
		and = append(and, bson.M{FieldUpdatedTime: window})
	}
	if sel.Access != nil {
		and = append(and, mongoAccess(sel.Access))
	}
	if len(and) == 0 {
		return bson.M{}
	}
	return bson.M{"$and": and}
}

func mongoAccess(filter *AccessFilter) bson.M {
	var grants []bson.M
	for _, docType := range filter.Unscoped {
		grants = append(grants, accessTypeIs(docType))
	}
	for docType, ids := range filter.ByID {
		if len(ids) == 0 {
			continue
		}
		grants = append(grants, bson.M{"$and": []bson.M{accessTypeIs(docType), scopeIDIn(ids)}})
	}
	for docType, groups := range filter.ByMember {
		if len(groups) == 0 {
			continue
		}
		grants = append(grants, bson.M{"$and": []bson.M{accessTypeIs(docType), {FieldMemberOf: bson.M{"$in": groups}}}})
	}
	if len(grants) == 0 {
		// Matches nothing: _id is always present.
		return bson.M{FieldID: bson.M{"$exists": false}}
	}
	return bson.M{"$or": grants}
}

// accessTypeIs mirrors Doc.AccessType as a query predicate.
func accessTypeIs(docType DocType) bson.M {
	unset := bson.M{"$in": bson.A{nil, ""}}
	own := bson.M{FieldType: string(docType)}
	switch docType {
	case DocTypeContent:
		own[FieldParentType] = unset
	case DocTypeChange:
		own[FieldDocType] = unset
	}
	return bson.M{"$or": []bson.M{
		own,
		{FieldType: string(DocTypeContent), FieldParentType: string(docType)},
		{FieldType: string(DocTypeChange), FieldDocType: string(docType)},
	}}
}

// scopeIDIn mirrors Doc.ScopeID as a query predicate.
func scopeIDIn(ids []string) bson.M {
	unset := bson.M{"$in": bson.A{nil, ""}}
	return bson.M{"$or": []bson.M{
		{FieldType: bson.M{"$ne": string(DocTypeChange)}, FieldID: bson.M{"$in": ids}},
		{FieldType: string(DocTypeChange), FieldDocID: bson.M{"$in": ids}},
		{FieldType: string(DocTypeChange), FieldDocID: unset, FieldID: bson.M{"$in": ids}},
	}}
}

func mongoSort(fields []SortField) bson.D {
	sort := bson.D{}
	seen := map[string]bool{}
	for _, field := range fields {
		if seen[field.Field] {
			continue
		}
		seen[field.Field] = true
		direction := 1
		if field.Desc {
			direction = -1
		}
		sort = append(sort, bson.E{Key: field.Field, Value: direction})
	}
	for _, tie := range []string{FieldUpdatedTime, FieldID} {
		if !seen[tie] {
			sort = append(sort, bson.E{Key: tie, Value: 1})
		}
	}
	return sort
}

func (s *MongoStore) Put(ctx context.Context, doc Doc, expectedRev string) (Doc, error) {
	id := doc.ID()
	if id == "" {
		return nil, ErrMissingID
	}
	written := doc.Clone()
	rev, err := NextRev(expectedRev, written)
	if err != nil {
		return nil, err
	}
	written[FieldRev] = rev
	if updated, ok := Int64(written[FieldUpdatedTime]); ok {
		written[FieldUpdatedTime] = updated
	}

	if expectedRev == "" {
		if _, err := s.coll.InsertOne(ctx, bson.M(written)); err != nil {
			if isDuplicateKeyErr(err) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("insert document: %w", err)
		}
		return written, nil
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{FieldID: id, FieldRev: expectedRev}, bson.M(written))
	if err != nil {
		return nil, fmt.Errorf("replace document: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrConflict
	}
	return written, nil
}

func (s *MongoStore) LatestUpdatedTime(ctx context.Context) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: FieldUpdatedTime, Value: -1}}).
		SetProjection(bson.M{FieldUpdatedTime: 1})
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.M{}, opts).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("latest updated time: %w", err)
	}
	latest, _ := Int64(raw[FieldUpdatedTime])
	return latest, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// fromBSON converts decoded BSON into the JSON-shaped values Doc promises.
func fromBSON(raw bson.M) Doc {
	doc := make(Doc, len(raw))
	for key, value := range raw {
		doc[key] = fromBSONValue(value)
	}
	return doc
}

func fromBSONValue(value any) any {
	switch v := value.(type) {
	case bson.M:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = fromBSONValue(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(v))
		for _, item := range v {
			out[item.Key] = fromBSONValue(item.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = fromBSONValue(item)
		}
		return out
	case int32:
		return int64(v)
	case primitive.DateTime:
		return int64(v)
	case primitive.ObjectID:
		return v.Hex()
	default:
		return v
	}
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsDuplicateKeyError(err) {
		return true
	}
	return strings.Contains(err.Error(), "E11000")
}

func isIndexOptionsConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "IndexOptionsConflict")
}
