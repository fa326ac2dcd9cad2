package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"watchpost/internal/pipeline"
)

// DefaultMongoDatabase is used when the URI names no database
const DefaultMongoDatabase = "security_system_db"

type alertDoc struct {
	ID                string    `bson:"_id"`
	Seq               int64     `bson:"seq"`
	Timestamp         time.Time `bson:"timestamp"`
	ThreatType        string    `bson:"threat_type"`
	Confidence        float64   `bson:"confidence"`
	ImageEvidencePath string    `bson:"image_evidence_path"`
	Status            string    `bson:"status"`
}

type criminalDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Age         int       `bson:"age"`
	CrimeType   string    `bson:"crime_type"`
	ThreatLevel string    `bson:"threat_level"`
	ImagePath   string    `bson:"image_path"`
	LastSeen    time.Time `bson:"last_seen"`
}

// MongoRepository stores events and criminals in MongoDB with majority, journaled writes
type MongoRepository struct {
	client    *mongo.Client
	alerts    *mongo.Collection
	criminals *mongo.Collection
	counters  *mongo.Collection
}

// NewMongo connects to uri and prepares the collections
func NewMongo(ctx context.Context, uri, database string) (*MongoRepository, error) {
	if database == "" {
		database = DefaultMongoDatabase
	}
	journal := true
	opts := options.Client().
		ApplyURI(uri).
		SetWriteConcern(&writeconcern.WriteConcern{W: "majority", Journal: &journal})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	r := &MongoRepository{
		client:    client,
		alerts:    db.Collection("alerts"),
		criminals: db.Collection("criminals"),
		counters:  db.Collection("counters"),
	}

	_, err = r.alerts.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "seq", Value: -1}}})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create alerts index: %w", err)
	}
	return r, nil
}

func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

// nextSeq atomically increments the alerts counter
func (r *MongoRepository) nextSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "alerts"},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate alert sequence: %w", err)
	}
	return doc.Value, nil
}

func (r *MongoRepository) InsertEvent(ctx context.Context, event *pipeline.ThreatEvent) error {
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return err
	}
	_, err = r.alerts.InsertOne(ctx, alertDoc{
		ID:                event.ID,
		Seq:               seq,
		Timestamp:         event.Timestamp,
		ThreatType:        event.ThreatSummary,
		Confidence:        event.Confidence,
		ImageEvidencePath: event.EvidenceImageRef,
		Status:            string(event.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (r *MongoRepository) RecentEvents(ctx context.Context, n int) ([]*pipeline.ThreatEvent, error) {
	cur, err := r.alerts.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(n)))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer cur.Close(ctx)

	events := []*pipeline.ThreatEvent{}
	for cur.Next(ctx) {
		var doc alertDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		events = append(events, &pipeline.ThreatEvent{
			ID:               doc.ID,
			Timestamp:        doc.Timestamp.Local(),
			ThreatSummary:    doc.ThreatType,
			Confidence:       doc.Confidence,
			EvidenceImageRef: doc.ImageEvidencePath,
			Status:           pipeline.EventStatus(doc.Status),
		})
	}
	return events, cur.Err()
}

func (r *MongoRepository) MarkEventRead(ctx context.Context, id string) error {
	res, err := r.alerts.UpdateByID(ctx, id, bson.M{"$set": bson.M{"status": string(pipeline.EventStatusRead)}})
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) InsertCriminal(ctx context.Context, c *Criminal) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.criminals.InsertOne(ctx, criminalDoc{
		ID:          c.ID,
		Name:        c.Name,
		Age:         c.Age,
		CrimeType:   c.CrimeType,
		ThreatLevel: c.ThreatLevel,
		ImagePath:   c.ImagePath,
		LastSeen:    c.LastSeen,
	})
	if err != nil {
		return fmt.Errorf("failed to save criminal: %w", err)
	}
	return nil
}

func (r *MongoRepository) ListCriminals(ctx context.Context) ([]*Criminal, error) {
	cur, err := r.criminals.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list criminals: %w", err)
	}
	defer cur.Close(ctx)

	criminals := []*Criminal{}
	for cur.Next(ctx) {
		var doc criminalDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode criminal: %w", err)
		}
		criminals = append(criminals, doc.toCriminal())
	}
	return criminals, cur.Err()
}

func (r *MongoRepository) DeleteCriminal(ctx context.Context, id string) (*Criminal, error) {
	var doc criminalDoc
	err := r.criminals.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete criminal: %w", err)
	}
	return doc.toCriminal(), nil
}

func (r *MongoRepository) CountCriminals(ctx context.Context) (int, error) {
	n, err := r.criminals.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count criminals: %w", err)
	}
	return int(n), nil
}

func (d criminalDoc) toCriminal() *Criminal {
	return &Criminal{
		ID:          d.ID,
		Name:        d.Name,
		Age:         d.Age,
		CrimeType:   d.CrimeType,
		ThreatLevel: d.ThreatLevel,
		ImagePath:   d.ImagePath,
		LastSeen:    d.LastSeen.Local(),
	}
}

var _ Repository = (*MongoRepository)(nil)
