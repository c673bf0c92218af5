package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ashureev/codetutor/internal/domain"
)

const (
	mongoConnectTimeout = 10 * time.Second

	sessionsCollection       = "sessions"
	legacySessionsCollection = "sessionmodels"
	snapshotsCollection      = "snapshots"
)

// ConnectMongo dials uri and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// MongoDocuments reads the editor backend's session documents.
type MongoDocuments struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDocuments opens the session document store in database dbName.
func NewMongoDocuments(ctx context.Context, uri, dbName string) (*MongoDocuments, error) {
	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &MongoDocuments{client: client, db: client.Database(dbName)}, nil
}

// FindSession looks the session up by its sessionId field. Older editor
// deployments name the collection "sessionmodels".
func (m *MongoDocuments) FindSession(ctx context.Context, sessionID string) (*domain.SessionDocument, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	coll := legacySessionsCollection
	if slices.Contains(names, sessionsCollection) {
		coll = sessionsCollection
	}

	var raw bson.Raw
	err = m.db.Collection(coll).FindOne(ctx, bson.D{{Key: "sessionId", Value: sessionID}}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session document: %w", err)
	}
	return DecodeSessionDocument(raw), nil
}

// Close disconnects the client.
func (m *MongoDocuments) Close() error {
	if err := m.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// DecodeSessionDocument extracts line history and submissions from a raw
// session document. Element order is kept as stored; entries with the wrong
// shape are skipped.
func DecodeSessionDocument(raw bson.Raw) *domain.SessionDocument {
	doc := &domain.SessionDocument{}
	if v, err := raw.LookupErr("sessionId"); err == nil {
		doc.SessionID = rawString(v)
	}
	if v, err := raw.LookupErr("lineHistory"); err == nil {
		doc.LineHistory = decodeLineHistory(v)
	}

	for _, key := range []string{"all_submissions", "allSubmissions"} {
		if v, err := raw.LookupErr(key); err == nil {
			doc.Submissions = decodeSubmissions(v)
			break
		}
	}
	return doc
}

func decodeLineHistory(v bson.RawValue) []domain.LineHistory {
	var out []domain.LineHistory

	switch v.Type {
	case bson.TypeEmbeddedDocument:
		elems, err := v.Document().Elements()
		if err != nil {
			return nil
		}
		for _, el := range elems {
			out = append(out, domain.LineHistory{Line: el.Key(), Entries: decodeEntries(el.Value())})
		}
	case bson.TypeArray:
		// [[line, entries], ...]
		pairs, err := v.Array().Values()
		if err != nil {
			return nil
		}
		for _, p := range pairs {
			arr, ok := p.ArrayOK()
			if !ok {
				continue
			}
			vals, err := arr.Values()
			if err != nil || len(vals) != 2 {
				continue
			}
			out = append(out, domain.LineHistory{Line: rawString(vals[0]), Entries: decodeEntries(vals[1])})
		}
	}
	return out
}

func decodeEntries(v bson.RawValue) []domain.LineEntry {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	vals, err := arr.Values()
	if err != nil {
		return nil
	}

	entries := make([]domain.LineEntry, 0, len(vals))
	for _, item := range vals {
		d, ok := item.DocumentOK()
		if !ok {
			continue
		}
		e := domain.LineEntry{
			Timestamp: lookupString(d, "timestamp"),
			Content:   lookupString(d, "content"),
		}
		if mv, err := d.LookupErr("metrics"); err == nil {
			if md, ok := mv.DocumentOK(); ok {
				if elems, err := md.Elements(); err == nil {
					for _, el := range elems {
						e.Metrics = append(e.Metrics, domain.Metric{Key: el.Key(), Value: rawString(el.Value())})
					}
				}
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func decodeSubmissions(v bson.RawValue) []domain.Submission {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	vals, err := arr.Values()
	if err != nil {
		return nil
	}

	subs := make([]domain.Submission, 0, len(vals))
	for _, item := range vals {
		d, ok := item.DocumentOK()
		if !ok {
			continue
		}
		subs = append(subs, domain.Submission{
			Timestamp: lookupString(d, "timestamp"),
			Output:    lookupString(d, "output"),
			Error:     lookupString(d, "error"),
		})
	}
	return subs
}

func lookupString(d bson.Raw, key string) string {
	v, err := d.LookupErr(key)
	if err != nil {
		return ""
	}
	return rawString(v)
}

// rawString renders scalar BSON values the way they read in a prompt.
func rawString(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeString:
		return v.StringValue()
	case bson.TypeInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case bson.TypeInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case bson.TypeDouble:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case bson.TypeBoolean:
		return strconv.FormatBool(v.Boolean())
	case bson.TypeDateTime:
		return time.UnixMilli(v.DateTime()).UTC().Format(time.RFC3339Nano)
	case bson.TypeNull, bson.TypeUndefined:
		return ""
	default:
		return v.String()
	}
}

// MongoSnapshots implements SnapshotStore on a MongoDB collection.
type MongoSnapshots struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type snapshotDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	SessionID string             `bson:"session_id"`
	Code      string             `bson:"code"`
	Metrics   bson.M             `bson:"metrics"`
	Prompt    string             `bson:"prompt,omitempty"`
	Response  string             `bson:"response,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

// NewMongoSnapshots stores snapshots in dbName.snapshots.
func NewMongoSnapshots(ctx context.Context, uri, dbName string) (*MongoSnapshots, error) {
	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		return nil, err
	}

	coll := client.Database(dbName).Collection(snapshotsCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		slog.Warn("Failed to ensure snapshot index", "error", err)
	}
	return &MongoSnapshots{client: client, coll: coll}, nil
}

// InsertSnapshot stores snap.
func (m *MongoSnapshots) InsertSnapshot(ctx context.Context, snap *domain.Snapshot) (string, error) {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	metrics := bson.M{}
	for k, v := range snap.Metrics {
		metrics[k] = v
	}

	res, err := m.coll.InsertOne(ctx, snapshotDoc{
		SessionID: snap.SessionID,
		Code:      snap.Code,
		Metrics:   metrics,
		Prompt:    snap.Prompt,
		Response:  snap.Response,
		CreatedAt: snap.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		snap.ID = oid.Hex()
	}
	return snap.ID, nil
}

// LastSnapshot returns the snapshot with the greatest created_at.
func (m *MongoSnapshots) LastSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	var doc snapshotDoc
	err := m.coll.FindOne(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find last snapshot: %w", err)
	}
	return doc.toDomain(), nil
}

// CountSnapshots counts a session's snapshots.
func (m *MongoSnapshots) CountSnapshots(ctx context.Context, sessionID string) (int, error) {
	n, err := m.coll.CountDocuments(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return int(n), nil
}

// ListSnapshots returns up to limit snapshots, oldest first.
func (m *MongoSnapshots) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*domain.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := m.coll.Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find snapshots: %w", err)
	}

	var docs []snapshotDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}

	out := make([]*domain.Snapshot, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	return out, nil
}

// Ping verifies connectivity.
func (m *MongoSnapshots) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *MongoSnapshots) Close() error {
	if err := m.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func (d *snapshotDoc) toDomain() *domain.Snapshot {
	metrics := make(map[string]any, len(d.Metrics))
	for k, v := range d.Metrics {
		metrics[k] = v
	}
	return &domain.Snapshot{
		ID:        d.ID.Hex(),
		SessionID: d.SessionID,
		Code:      d.Code,
		Metrics:   metrics,
		Prompt:    d.Prompt,
		Response:  d.Response,
		CreatedAt: d.CreatedAt.UTC(),
	}
}
