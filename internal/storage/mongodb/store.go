// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-nfe/internal/storage"
)

// Store implements storage.Store using MongoDB. Document XML is kept in
// GridFS.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	// Collections
	watermarks    *mongo.Collection
	documents     *mongo.Collection
	transmissions *mongo.Collection
}

var _ storage.Store = (*Store)(nil)

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "xml"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:        client,
		db:            db,
		gridfs:        bucket,
		watermarks:    db.Collection("watermarks"),
		documents:     db.Collection("documents"),
		transmissions: db.Collection("transmissions"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "scope", Value: 1}, {Key: "access_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "scope", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "scope", Value: 1}, {Key: "received_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating document indexes: %w", err)
	}

	_, err = s.transmissions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "processed_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating transmission indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// WatermarkStore implementation

type watermarkDoc struct {
	Scope     string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *Store) GetLastSequence(ctx context.Context, scope string) (string, error) {
	var doc watermarkDoc
	err := s.watermarks.FindOne(ctx, bson.M{"_id": scope}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.ZeroWatermark, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting watermark: %w", err)
	}
	return doc.Value, nil
}

// SetLastSequence upserts only when the stored value is not higher. Values
// have a fixed width, so $lte on strings is a numeric comparison. A higher
// stored value makes the upsert collide with the existing _id.
func (s *Store) SetLastSequence(ctx context.Context, scope, value string) error {
	if err := storage.ValidateWatermark(value); err != nil {
		return err
	}
	_, err := s.watermarks.UpdateOne(ctx,
		bson.M{"_id": scope, "value": bson.M{"$lte": value}},
		bson.M{"$set": bson.M{"value": value, "updated_at": time.Now()}},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrWatermarkRegression
	}
	if err != nil {
		return fmt.Errorf("setting watermark: %w", err)
	}
	return nil
}

// DocumentStore implementation

func (s *Store) SaveDocuments(ctx context.Context, scope string, docs []*storage.Document) (int, error) {
	added := 0
	for _, d := range docs {
		err := s.documents.FindOne(ctx, bson.M{"scope": scope, "access_key": d.AccessKey}).Err()
		if err == nil {
			continue
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return added, err
		}

		stored := *d
		stored.Scope = scope
		if stored.ReceivedAt.IsZero() {
			stored.ReceivedAt = time.Now()
		}
		if len(d.XML) > 0 {
			ref, err := s.storeXML(ctx, scope, d.AccessKey, d.XML)
			if err != nil {
				return added, err
			}
			stored.XMLRef = ref
		}

		_, err = s.documents.InsertOne(ctx, &stored)
		if mongo.IsDuplicateKeyError(err) {
			// Saved concurrently by another writer.
			s.deleteXML(ctx, stored.XMLRef)
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s *Store) GetDocument(ctx context.Context, scope, accessKey string) (*storage.Document, error) {
	var d storage.Document
	err := s.documents.FindOne(ctx, bson.M{"scope": scope, "access_key": accessKey}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.XMLRef != "" {
		if d.XML, err = s.loadXML(ctx, d.XMLRef); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (s *Store) ListDocuments(ctx context.Context, scope string, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	query := bson.M{"scope": scope}
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}, {Key: "nsu", Value: -1}})
	if filter != nil {
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.Since != nil {
			query["received_at"] = bson.M{"$gte": *filter.Since}
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
	}

	cursor, err := s.documents.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*storage.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// TransmissionStore implementation

func (s *Store) SaveTransmission(ctx context.Context, t *storage.Transmission) error {
	stored := *t
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	_, err := s.transmissions.ReplaceOne(ctx, bson.M{"_id": t.AccessKey}, &stored, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) GetTransmission(ctx context.Context, accessKey string) (*storage.Transmission, error) {
	var t storage.Transmission
	err := s.transmissions.FindOne(ctx, bson.M{"_id": accessKey}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// XML storage using GridFS

func (s *Store) storeXML(ctx context.Context, scope, accessKey string, data []byte) (string, error) {
	hash := sha256.Sum256(data)
	filename := fmt.Sprintf("%s/%s.xml", scope, accessKey)
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"scope":      scope,
		"access_key": accessKey,
		"checksum":   hex.EncodeToString(hash[:]),
	})

	id, err := s.gridfs.UploadFromStream(filename, bytes.NewReader(data), uploadOpts)
	if err != nil {
		return "", fmt.Errorf("storing document XML: %w", err)
	}
	return id.Hex(), nil
}

func (s *Store) loadXML(ctx context.Context, ref string) ([]byte, error) {
	objID, err := primitive.ObjectIDFromHex(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid XML reference: %w", err)
	}
	var buf bytes.Buffer
	if _, err := s.gridfs.DownloadToStream(objID, &buf); err != nil {
		return nil, fmt.Errorf("reading document XML: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) deleteXML(ctx context.Context, ref string) {
	if objID, err := primitive.ObjectIDFromHex(ref); err == nil {
		_ = s.gridfs.Delete(objID)
	}
}
